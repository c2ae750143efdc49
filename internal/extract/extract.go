// Package extract provides document-to-text conversion for the evaluation
// engine. The engine treats extraction as a black box: a storage location in,
// plain text out.
package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/docsignal/overlay-eval/internal/model"
)

// Extractor converts a stored document into plain text.
type Extractor interface {
	Extract(ctx context.Context, bucket, key string) (string, error)
}

// WithAppendices extracts the main document and concatenates each appendix
// after a delimiter marker, in ascending upload order. A failed appendix
// extraction becomes an inline (EXTRACTION FAILED) marker instead of
// aborting the concatenation; only a main-document failure is fatal.
func WithAppendices(ctx context.Context, ex Extractor, bucket, key string, appendices []model.Appendix) (string, error) {
	text, err := ex.Extract(ctx, bucket, key)
	if err != nil {
		return "", err
	}

	if len(appendices) == 0 {
		return text, nil
	}

	ordered := make([]model.Appendix, len(appendices))
	copy(ordered, appendices)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].UploadOrder < ordered[j].UploadOrder
	})

	var sb strings.Builder
	sb.WriteString(text)
	for i, app := range ordered {
		sb.WriteString(fmt.Sprintf("\n\n---APPENDIX %d: %s---\n\n", i+1, app.Name))
		appText, appErr := ex.Extract(ctx, app.Bucket, app.Key)
		if appErr != nil {
			zap.L().Warn("extract: appendix extraction failed",
				zap.String("appendix", app.Name),
				zap.String("key", app.Key),
				zap.Error(appErr),
			)
			sb.WriteString("(EXTRACTION FAILED)")
			continue
		}
		sb.WriteString(appText)
	}

	return sb.String(), nil
}
