// Package batch splits object keys into ingestion batches and builds the document
// envelopes sent to the knowledge base.
package batch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
)

// MaxBatchSize is the largest number of documents IngestKnowledgeBaseDocuments accepts per call.
const MaxBatchSize = 25

// ErrInvalidSize is returned for batch sizes below one.
var ErrInvalidSize = errors.New("batch size must be at least 1")

// Predicate reports whether a key should be left out of every batch.
type Predicate func(key string) bool

// DirectoryMarker matches zero-byte "folder" keys.
func DirectoryMarker(key string) bool {
	return strings.HasSuffix(key, "/")
}

// MetadataFile matches knowledge base sidecar metadata files.
func MetadataFile(key string) bool {
	return strings.HasSuffix(key, ".metadata.json")
}

// Membership is satisfied by tracking sets.
type Membership interface {
	Contains(key string) bool
}

// Tracked matches keys already present in set. A nil set matches nothing.
func Tracked(set Membership) Predicate {
	return func(key string) bool {
		return set != nil && set.Contains(key)
	}
}

// Any matches a key when at least one of preds does. Nil predicates are ignored.
func Any(preds ...Predicate) Predicate {
	return func(key string) bool {
		for _, p := range preds {
			if p != nil && p(key) {
				return true
			}
		}
		return false
	}
}

// ClampSize caps n at MaxBatchSize and reports whether it had to.
func ClampSize(n int) (int, bool, error) {
	if n < 1 {
		return 0, false, fmt.Errorf("%w: got %d", ErrInvalidSize, n)
	}
	if n > MaxBatchSize {
		return MaxBatchSize, true, nil
	}
	return n, false, nil
}

// Build groups keys into batches of size, keeping input order. Excluded keys are removed
// before counting, so every batch but the last is full. Input that is entirely excluded
// yields no batches.
func Build(keys []string, size int, exclude Predicate) [][]string {
	if size < 1 {
		size = 1
	}

	var batches [][]string
	current := make([]string, 0, size)
	for _, key := range keys {
		if exclude != nil && exclude(key) {
			continue
		}
		current = append(current, key)
		if len(current) == size {
			batches = append(batches, current)
			current = make([]string, 0, size)
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// Count returns how many keys Build would keep.
func Count(batches [][]string) int {
	n := 0
	for _, b := range batches {
		n += len(b)
	}
	return n
}

// URI returns the s3:// location of key in bucket.
func URI(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// Document builds the ingestion envelope pointing the knowledge base at an S3 object.
func Document(bucket, key string) types.KnowledgeBaseDocument {
	return types.KnowledgeBaseDocument{
		Content: &types.DocumentContent{
			DataSourceType: types.ContentDataSourceTypeS3,
			S3: &types.S3Content{
				S3Location: &types.S3Location{
					Uri: aws.String(URI(bucket, key)),
				},
			},
		},
	}
}

// Documents builds one envelope per key.
func Documents(bucket string, keys []string) []types.KnowledgeBaseDocument {
	docs := make([]types.KnowledgeBaseDocument, 0, len(keys))
	for _, key := range keys {
		docs = append(docs, Document(bucket, key))
	}
	return docs
}
