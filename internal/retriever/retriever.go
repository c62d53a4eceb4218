// Package retriever exposes a Bedrock knowledge base as a langchaingo retriever.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/raphaelgruber/kbctl/internal/awserr"
	"github.com/raphaelgruber/kbctl/internal/metrics"
	"github.com/tmc/langchaingo/schema"
)

// DefaultResults is the number of passages retrieved per query.
const DefaultResults = 3

// Metadata keys set on returned documents.
const (
	MetaSource       = "source"
	MetaLocationType = "location_type"
)

// RetrieveAPI is the part of the bedrockagentruntime client the retriever uses.
type RetrieveAPI interface {
	Retrieve(ctx context.Context, in *bedrockagentruntime.RetrieveInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveOutput, error)
}

// KnowledgeBase runs vector searches against one knowledge base.
type KnowledgeBase struct {
	api        RetrieveAPI
	kbID       string
	numResults int
	logger     *slog.Logger
	metrics    *metrics.Collector
}

var _ schema.Retriever = (*KnowledgeBase)(nil)

// New creates a retriever. numResults below one uses DefaultResults.
func New(api RetrieveAPI, kbID string, numResults int, logger *slog.Logger, m *metrics.Collector) *KnowledgeBase {
	if numResults < 1 {
		numResults = DefaultResults
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &KnowledgeBase{api: api, kbID: kbID, numResults: numResults, logger: logger, metrics: m}
}

// GetRelevantDocuments returns the best matching passages. Errors are classified with
// awserr so callers can spot a resuming database.
func (k *KnowledgeBase) GetRelevantDocuments(ctx context.Context, query string) ([]schema.Document, error) {
	start := time.Now()
	out, err := k.api.Retrieve(ctx, &bedrockagentruntime.RetrieveInput{
		KnowledgeBaseId: aws.String(k.kbID),
		RetrievalQuery:  &types.KnowledgeBaseQuery{Text: aws.String(query)},
		RetrievalConfiguration: &types.KnowledgeBaseRetrievalConfiguration{
			VectorSearchConfiguration: &types.KnowledgeBaseVectorSearchConfiguration{
				NumberOfResults: aws.Int32(int32(k.numResults)),
			},
		},
	})
	k.metrics.RecordTiming(metrics.OpRetrieve, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("retrieve from knowledge base %s: %w", k.kbID, awserr.Wrap(err))
	}

	docs := make([]schema.Document, 0, len(out.RetrievalResults))
	for _, r := range out.RetrievalResults {
		if r.Content == nil {
			continue
		}
		doc := schema.Document{
			PageContent: aws.ToString(r.Content.Text),
			Metadata:    map[string]any{},
		}
		if r.Score != nil {
			doc.Score = float32(*r.Score)
		}
		if loc := r.Location; loc != nil {
			doc.Metadata[MetaLocationType] = string(loc.Type)
			if src := sourceURI(loc); src != "" {
				doc.Metadata[MetaSource] = src
			}
		}
		docs = append(docs, doc)
	}

	k.logger.Debug("retrieved passages", "knowledge_base", k.kbID, "count", len(docs))
	return docs, nil
}

func sourceURI(loc *types.RetrievalResultLocation) string {
	switch {
	case loc.S3Location != nil:
		return aws.ToString(loc.S3Location.Uri)
	case loc.WebLocation != nil:
		return aws.ToString(loc.WebLocation.Url)
	}
	return ""
}
