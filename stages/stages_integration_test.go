//go:build integration

package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/config"
	"docproc.evalgo.org/db"
	"docproc.evalgo.org/pipeline"
	"docproc.evalgo.org/workflow"
)

const integrationWorkflow = `name: default
sla:
  deadline_seconds: 60
stages:
  - name: split
    component: splitter
    routing_key: request.split
  - name: ocr
    component: ocr
    routing_key: page.ocr
  - name: classify
    component: classifier
    routing_key: page.classify
    confidence_threshold: 0.80
    backoffice_queue: task.classification
  - name: classification_aggregation
    component: classification_aggregator
    routing_key: page.classified
    aggregation:
      type: fan_in
      collect_by: request_id
      expect_count_from: page_count
  - name: extract
    component: extractor
    routing_key: doc.extract
    confidence_threshold: 0.75
    backoffice_queue: task.extraction
  - name: extraction_aggregation
    component: extraction_aggregator
    routing_key: doc.extracted
    aggregation:
      type: fan_in
      collect_by: request_id
      expect_count_from: document_count
  - name: consolidate
    component: consolidator
    routing_key: request.consolidate
extraction_schemas:
  invoice:
    fields:
      - name: invoice_number
        type: string
        required: true
      - name: total_amount
        type: number
        required: true
`

func setupStageEnv(t *testing.T) (*Env, *gorm.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())

	gdb, err := db.Connect(dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.yaml"), []byte(integrationWorkflow), 0o644))

	env := &Env{
		Catalog: workflow.NewCatalog(dir),
		Settings: &config.Settings{
			DefaultSLASeconds:                 60,
			ClassificationConfidenceThreshold: 0.80,
			ExtractionConfidenceThreshold:     0.75,
			StoragePath:                       t.TempDir(),
		},
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}
	return env, gdb, cleanup
}

func newRequestWithMessage(t *testing.T, gdb *gorm.DB, pageCount int) (*db.Request, common.PipelineMessage) {
	t.Helper()
	request := &db.Request{
		ID:           uuid.New(),
		WorkflowName: "default",
		Status:       db.StatusReceived,
		SLASeconds:   60,
		Filename:     "scan.pdf",
	}
	require.NoError(t, gdb.Create(request).Error)

	msg := common.NewPipelineMessage(request.ID, "default")
	if pageCount > 0 {
		msg.Payload["page_count"] = float64(pageCount)
	}
	return request, msg
}

func TestIntegration_SplitterCreatesPagesAndCounter(t *testing.T) {
	env, gdb, cleanup := setupStageEnv(t)
	defer cleanup()

	request, msg := newRequestWithMessage(t, gdb, 4)
	msg.CurrentStage = "split"

	splitter := NewSplitter(env)
	outgoing, err := splitter.Process(context.Background(), gdb, &msg)
	require.NoError(t, err)
	require.Len(t, outgoing, 4)

	for i, out := range outgoing {
		assert.Equal(t, pipeline.RouteNext, out.RoutingKey)
		require.NotNil(t, out.Message.PageIndex)
		assert.Equal(t, i, *out.Message.PageIndex)
		assert.Equal(t, 4, *out.Message.PageCount)
	}

	pages, err := db.PagesByRequest(gdb, request.ID)
	require.NoError(t, err)
	assert.Len(t, pages, 4)

	state, err := db.GetAggregationState(gdb, request.ID, "classification_aggregation")
	require.NoError(t, err)
	assert.Equal(t, 4, state.ExpectedCount)
	assert.Equal(t, 0, state.ReceivedCount)

	loaded, err := db.GetRequest(gdb, request.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.PageCount)
	assert.Equal(t, 4, *loaded.PageCount)
	assert.Equal(t, db.StatusSplitting, loaded.Status)
}

func TestIntegration_SplitterRedeliveryIsIdempotent(t *testing.T) {
	env, gdb, cleanup := setupStageEnv(t)
	defer cleanup()

	request, msg := newRequestWithMessage(t, gdb, 3)
	msg.CurrentStage = "split"

	splitter := NewSplitter(env)
	_, err := splitter.Process(context.Background(), gdb, &msg)
	require.NoError(t, err)

	redelivered := msg.Copy()
	outgoing, err := splitter.Process(context.Background(), gdb, &redelivered)
	require.NoError(t, err)
	assert.Len(t, outgoing, 3, "redelivery emits the same fan-out")

	pages, err := db.PagesByRequest(gdb, request.ID)
	require.NoError(t, err)
	assert.Len(t, pages, 3, "no duplicate pages on redelivery")
}

func TestIntegration_ClassificationRoundTrip(t *testing.T) {
	env, gdb, cleanup := setupStageEnv(t)
	defer cleanup()

	request, msg := newRequestWithMessage(t, gdb, 2)
	msg.CurrentStage = "split"

	splitter := NewSplitter(env)
	fanout, err := splitter.Process(context.Background(), gdb, &msg)
	require.NoError(t, err)

	ocr := NewOCR(env)
	classifier := NewClassifier(env)
	aggregator := NewClassificationAggregator(env)

	var extractMessages []pipeline.Outgoing
	for _, out := range fanout {
		pageMsg := out.Message

		pageMsg.CurrentStage = "ocr"
		_, err := ocr.Process(context.Background(), gdb, &pageMsg)
		require.NoError(t, err)

		pageMsg.CurrentStage = "classify"
		classified, err := classifier.Process(context.Background(), gdb, &pageMsg)
		require.NoError(t, err)
		require.Len(t, classified, 1)
		require.Equal(t, pipeline.RouteNext, classified[0].RoutingKey,
			"sample pages classify above threshold")

		aggMsg := classified[0].Message
		aggMsg.CurrentStage = "classification_aggregation"
		results, err := aggregator.Process(context.Background(), gdb, &aggMsg)
		require.NoError(t, err)
		extractMessages = append(extractMessages, results...)
	}

	// Finalization fired exactly once and produced the document fan-out.
	require.NotEmpty(t, extractMessages)
	loaded, err := db.GetRequest(gdb, request.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.DocumentCount)
	assert.Equal(t, len(extractMessages), *loaded.DocumentCount)
	assert.Equal(t, db.StatusExtracting, loaded.Status)

	documents, err := db.DocumentsByRequest(gdb, request.ID)
	require.NoError(t, err)
	assert.Len(t, documents, len(extractMessages))
	for i, document := range documents {
		assert.Equal(t, i, document.DocIndex, "documents keep grouping order")
	}

	pages, err := db.PagesByRequest(gdb, request.ID)
	require.NoError(t, err)
	for _, page := range pages {
		require.NotNil(t, page.DocumentID, "every page belongs to a document after grouping")
		assert.Equal(t, "grouped", page.Status)
	}

	state, err := db.GetAggregationState(gdb, request.ID, "extraction_aggregation")
	require.NoError(t, err)
	assert.Equal(t, len(extractMessages), state.ExpectedCount)
}

func TestIntegration_ClassificationAggregatorReemitsAfterLostPublish(t *testing.T) {
	env, gdb, cleanup := setupStageEnv(t)
	defer cleanup()

	_, msg := newRequestWithMessage(t, gdb, 2)
	msg.CurrentStage = "split"

	splitter := NewSplitter(env)
	fanout, err := splitter.Process(context.Background(), gdb, &msg)
	require.NoError(t, err)

	ocr := NewOCR(env)
	classifier := NewClassifier(env)
	aggregator := NewClassificationAggregator(env)

	var finalizer common.PipelineMessage
	var extractMessages []pipeline.Outgoing
	for _, out := range fanout {
		pageMsg := out.Message
		pageMsg.CurrentStage = "ocr"
		_, err := ocr.Process(context.Background(), gdb, &pageMsg)
		require.NoError(t, err)
		pageMsg.CurrentStage = "classify"
		classified, err := classifier.Process(context.Background(), gdb, &pageMsg)
		require.NoError(t, err)
		aggMsg := classified[0].Message
		aggMsg.CurrentStage = "classification_aggregation"
		results, err := aggregator.Process(context.Background(), gdb, &aggMsg)
		require.NoError(t, err)
		if len(results) > 0 {
			finalizer = aggMsg
			extractMessages = results
		}
	}
	require.NotEmpty(t, extractMessages)

	// A duplicate the broker never flagged absorbs silently.
	duplicate := finalizer.Copy()
	none, err := aggregator.Process(context.Background(), gdb, &duplicate)
	require.NoError(t, err)
	assert.Empty(t, none, "non-redelivered duplicates emit nothing")

	// A redelivered finalizer rebuilds the fan-out from persisted state:
	// the publish after its commit may have been lost.
	replay := finalizer.Copy()
	replay.Redelivered = true
	reemitted, err := aggregator.Process(context.Background(), gdb, &replay)
	require.NoError(t, err)
	require.Len(t, reemitted, len(extractMessages))

	wantIDs := make([]string, 0, len(extractMessages))
	for _, out := range extractMessages {
		wantIDs = append(wantIDs, out.Message.DocumentID.String())
	}
	gotIDs := make([]string, 0, len(reemitted))
	for _, out := range reemitted {
		require.NotNil(t, out.Message.DocumentID)
		gotIDs = append(gotIDs, out.Message.DocumentID.String())
		assert.Equal(t, "doc.extract", out.RoutingKey)
		assert.Contains(t, out.Message.Payload, "ocr_texts")
	}
	assert.Equal(t, wantIDs, gotIDs, "replayed fan-out targets the same documents in the same order")
}

func TestIntegration_ExtractionAggregatorReemitsAfterLostPublish(t *testing.T) {
	env, gdb, cleanup := setupStageEnv(t)
	defer cleanup()

	request, msg := newRequestWithMessage(t, gdb, 0)
	require.NoError(t, gdb.Model(&db.Request{}).Where("id = ?", request.ID).
		Update("status", db.StatusExtracting).Error)
	_, err := db.CreateAggregationState(gdb, request.ID, "extraction_aggregation", 1)
	require.NoError(t, err)

	msg.CurrentStage = "extraction_aggregation"
	aggregator := NewExtractionAggregator(env)

	first, err := aggregator.Process(context.Background(), gdb, &msg)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "request.consolidate", first[0].RoutingKey)

	duplicate := msg.Copy()
	none, err := aggregator.Process(context.Background(), gdb, &duplicate)
	require.NoError(t, err)
	assert.Empty(t, none, "non-redelivered duplicates emit nothing")

	replay := msg.Copy()
	replay.Redelivered = true
	reemitted, err := aggregator.Process(context.Background(), gdb, &replay)
	require.NoError(t, err)
	require.Len(t, reemitted, 1)
	assert.Equal(t, "request.consolidate", reemitted[0].RoutingKey)
	assert.Equal(t, "consolidate", reemitted[0].Message.CurrentStage)
}

func TestIntegration_ExtractionToCompletion(t *testing.T) {
	env, gdb, cleanup := setupStageEnv(t)
	defer cleanup()

	request, msg := newRequestWithMessage(t, gdb, 2)
	msg.CurrentStage = "split"

	// Drive the happy path: split -> ocr -> classify -> group.
	splitter := NewSplitter(env)
	fanout, err := splitter.Process(context.Background(), gdb, &msg)
	require.NoError(t, err)

	ocr := NewOCR(env)
	classifier := NewClassifier(env)
	classAgg := NewClassificationAggregator(env)

	var extractMessages []pipeline.Outgoing
	for _, out := range fanout {
		pageMsg := out.Message
		pageMsg.CurrentStage = "ocr"
		_, err := ocr.Process(context.Background(), gdb, &pageMsg)
		require.NoError(t, err)
		pageMsg.CurrentStage = "classify"
		classified, err := classifier.Process(context.Background(), gdb, &pageMsg)
		require.NoError(t, err)
		aggMsg := classified[0].Message
		aggMsg.CurrentStage = "classification_aggregation"
		results, err := classAgg.Process(context.Background(), gdb, &aggMsg)
		require.NoError(t, err)
		extractMessages = append(extractMessages, results...)
	}
	require.NotEmpty(t, extractMessages)

	extractor := NewExtractor(env)
	extractionAgg := NewExtractionAggregator(env)
	consolidator := NewConsolidator(env)

	var consolidateMessages []pipeline.Outgoing
	for _, out := range extractMessages {
		docMsg := out.Message
		docMsg.CurrentStage = "extract"
		extracted, err := extractor.Process(context.Background(), gdb, &docMsg)
		require.NoError(t, err)
		require.Len(t, extracted, 1)
		require.Equal(t, pipeline.RouteNext, extracted[0].RoutingKey)

		aggMsg := extracted[0].Message
		aggMsg.CurrentStage = "extraction_aggregation"
		results, err := extractionAgg.Process(context.Background(), gdb, &aggMsg)
		require.NoError(t, err)
		consolidateMessages = append(consolidateMessages, results...)
	}
	require.Len(t, consolidateMessages, 1, "extraction fan-in emits exactly one consolidate message")

	finalMsg := consolidateMessages[0].Message
	finalMsg.CurrentStage = "consolidate"
	outputs, err := consolidator.Process(context.Background(), gdb, &finalMsg)
	require.NoError(t, err)
	assert.Empty(t, outputs, "consolidator is terminal")

	loaded, err := db.GetRequest(gdb, request.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, loaded.Status)
	require.NotNil(t, loaded.CompletedAt)
	require.NotNil(t, loaded.ResultPayload)
	assert.EqualValues(t, len(extractMessages), loaded.ResultPayload["total_documents"])
}

func TestIntegration_RouterStampsDeadline(t *testing.T) {
	env, gdb, cleanup := setupStageEnv(t)
	defer cleanup()

	request, msg := newRequestWithMessage(t, gdb, 0)

	router := NewRouter(env)
	outgoing, err := router.Process(context.Background(), gdb, &msg)
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	assert.Equal(t, "request.split", outgoing[0].RoutingKey)
	assert.Equal(t, "split", outgoing[0].Message.CurrentStage)
	require.NotNil(t, outgoing[0].Message.DeadlineUTC)

	loaded, err := db.GetRequest(gdb, request.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusRouting, loaded.Status)
	require.NotNil(t, loaded.DeadlineUTC)
	assert.WithinDuration(t, loaded.CreatedAt.Add(60*time.Second), *loaded.DeadlineUTC, 2*time.Second)
}
