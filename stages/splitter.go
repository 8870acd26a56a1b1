package stages

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/pipeline"
)

// ComponentSplitter names the splitter worker.
const ComponentSplitter = "splitter"

// Splitter fans a request out into per-page messages. It decides the page
// count, creates the page rows and the classification fan-in counter in one
// transaction, and emits one message per page. The counter row commits
// before any fan-out message is published, so every downstream increment
// finds it.
type Splitter struct {
	env *Env
	log *logrus.Entry
}

// NewSplitter creates the splitter stage.
func NewSplitter(env *Env) *Splitter {
	return &Splitter{env: env, log: common.ComponentLogger(ComponentSplitter)}
}

// Component implements pipeline.Stage.
func (s *Splitter) Component() string { return ComponentSplitter }

// decidePageCount stands in for a real PDF decoder. A payload hint wins;
// otherwise the count is derived from the request id so redeliveries make
// the same decision.
func decidePageCount(msg *common.PipelineMessage) int {
	if hint, ok := msg.Payload["page_count"].(float64); ok && hint > 0 {
		return int(hint)
	}
	h := fnv.New32a()
	h.Write([]byte(msg.RequestID.String()))
	return int(h.Sum32()%6) + 3 // 3..8 pages
}

// Process implements pipeline.Stage.
func (s *Splitter) Process(ctx context.Context, tx *gorm.DB, msg *common.PipelineMessage) ([]pipeline.Outgoing, error) {
	request, err := db.GetRequestForUpdate(tx, msg.RequestID)
	if err != nil {
		return nil, err
	}
	if err := advanceStatus(tx, msg, db.StatusSplitting, s.log); err != nil {
		return nil, err
	}

	// page_count is set exactly once; a redelivery reuses the stored value.
	var pageCount int
	if request.PageCount != nil {
		pageCount = *request.PageCount
	} else {
		pageCount = decidePageCount(msg)
		err := tx.Model(&db.Request{}).Where("id = ?", request.ID).
			Update("page_count", pageCount).Error
		if err != nil {
			return nil, fmt.Errorf("failed to set page count: %w", err)
		}
	}

	aggStage, err := s.env.aggregationStage(msg.WorkflowName, "page_count")
	if err != nil {
		return nil, err
	}
	_, err = db.GetAggregationState(tx, request.ID, aggStage.Name)
	if err == db.ErrAggregationMissing {
		_, err = db.CreateAggregationState(tx, request.ID, aggStage.Name, pageCount)
	}
	if err != nil {
		return nil, err
	}

	existing, err := db.PagesByRequest(tx, request.ID)
	if err != nil {
		return nil, err
	}
	havePage := make(map[int]uuid.UUID, len(existing))
	for _, page := range existing {
		havePage[page.PageIndex] = page.ID
	}

	outgoing := make([]pipeline.Outgoing, 0, pageCount)
	for index := 0; index < pageCount; index++ {
		pageID, ok := havePage[index]
		if !ok {
			page := db.Page{
				ID:          uuid.New(),
				RequestID:   request.ID,
				PageIndex:   index,
				Status:      "created",
				StoragePath: fmt.Sprintf("%s/%s/page_%04d.png", s.env.Settings.StoragePath, request.ID, index),
			}
			if err := tx.Create(&page).Error; err != nil {
				return nil, fmt.Errorf("failed to create page %d: %w", index, err)
			}
			pageID = page.ID
		}

		out := msg.Copy()
		out.PageIndex = common.IntPtr(index)
		out.PageCount = common.IntPtr(pageCount)
		out.SourceComponent = ComponentSplitter
		out.Payload = map[string]interface{}{
			"page_id": pageID.String(),
		}
		outgoing = append(outgoing, pipeline.Outgoing{RoutingKey: pipeline.RouteNext, Message: out})
	}

	s.log.WithFields(logrus.Fields{
		"request_id": request.ID.String(),
		"page_count": pageCount,
	}).Info("request split into pages")

	return outgoing, nil
}
