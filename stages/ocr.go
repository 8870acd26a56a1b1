package stages

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/pipeline"
)

// ComponentOCR names the OCR worker.
const ComponentOCR = "ocr"

// sampleTexts stand in for a real OCR engine. Consecutive page pairs share
// a text so classification produces multi-page document runs.
var sampleTexts = []string{
	"INVOICE #2024-0183\nBill to: Example GmbH\nLine items: consulting services\nTotal amount due: 1,250.00 EUR\nPayment terms: 30 days net",
	"PAYSLIP March 2024\nEmployee salary statement\nGross pay: 4,100.00 EUR\nDeductions: 1,319.45 EUR\nNet pay: 2,780.55 EUR",
	"IDENTITY CARD\nSurname: Mustermann\nGiven names: Erika\nDate of birth: 1987-04-12\nNationality: DE",
}

// stubOCRText derives a deterministic text for a page so redeliveries write
// identical values.
func stubOCRText(requestID string, pageIndex int) string {
	h := fnv.New32a()
	h.Write([]byte(requestID))
	offset := int(h.Sum32() % uint32(len(sampleTexts)))
	return sampleTexts[(offset+pageIndex/2)%len(sampleTexts)]
}

// OCR extracts text from one page image. The engine is stubbed; the stage
// contract (load page, write text and confidence, forward) is real.
type OCR struct {
	env *Env
	log *logrus.Entry
}

// NewOCR creates the OCR stage.
func NewOCR(env *Env) *OCR {
	return &OCR{env: env, log: common.ComponentLogger(ComponentOCR)}
}

// Component implements pipeline.Stage.
func (o *OCR) Component() string { return ComponentOCR }

// Process implements pipeline.Stage.
func (o *OCR) Process(ctx context.Context, tx *gorm.DB, msg *common.PipelineMessage) ([]pipeline.Outgoing, error) {
	if msg.PageIndex == nil {
		return nil, fmt.Errorf("ocr message missing page_index")
	}

	var page db.Page
	err := tx.Where("request_id = ? AND page_index = ?", msg.RequestID, *msg.PageIndex).
		First(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("page %d of request %s not found", *msg.PageIndex, msg.RequestID)
	}
	if err != nil {
		return nil, err
	}

	text := stubOCRText(msg.RequestID.String(), *msg.PageIndex)
	confidence := 0.92

	updates := map[string]interface{}{
		"ocr_text":       text,
		"ocr_confidence": confidence,
		"status":         "ocr_done",
	}
	if err := tx.Model(&db.Page{}).Where("id = ?", page.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to store OCR result: %w", err)
	}

	o.log.WithFields(logrus.Fields{
		"request_id": msg.RequestID.String(),
		"page_index": *msg.PageIndex,
		"characters": len(text),
	}).Debug("page ocr done")

	out := msg.Copy()
	out.SourceComponent = ComponentOCR
	return []pipeline.Outgoing{{RoutingKey: pipeline.RouteNext, Message: out}}, nil
}
