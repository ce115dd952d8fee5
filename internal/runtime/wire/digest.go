package wire

import (
	"encoding/hex"
	"unicode/utf8"

	"github.com/zeebo/blake3"

	"github.com/drblury/flowtrace/internal/runtime/jsoncodec"
)

// DefaultPreviewBytes bounds the preview kept when a payload is summarised.
const DefaultPreviewBytes = 512

// HashBytes returns the hex-encoded blake3 digest of data. Used for state
// hash verification and for identifying truncated or dead-lettered payloads.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PayloadSummary replaces a payload that is too large (or too sensitive) to
// carry verbatim. The original is identifiable by hash; the preview is
// bounded and safe to log.
type PayloadSummary struct {
	Hash        string `json:"hash"`
	Preview     string `json:"preview"`
	OriginalLen int    `json:"original_len"`
}

// TruncatedPayloadCode marks an ErrorInfo that stands in for a payload the
// emitter refused to send at full size.
const TruncatedPayloadCode = "payload_truncated"

// Truncate replaces an oversized payload with a traceable stand-in: an
// ErrorInfo carrying the payload's summary. The original bytes are
// identifiable by hash, so the loss is visible downstream instead of the
// envelope vanishing.
func Truncate(p Payload, raw []byte, previewLen int) (*ErrorInfo, error) {
	summary, err := jsoncodec.Marshal(Summarize(raw, previewLen))
	if err != nil {
		return nil, err
	}
	info := &ErrorInfo{
		Code:    TruncatedPayloadCode,
		Message: string(summary),
	}
	switch v := p.(type) {
	case *Event:
		info.NodeID = v.NodeID
	case *TokenChunk:
		info.NodeID = v.NodeID
	case *ToolExecution:
		info.NodeID = v.NodeID
	case *ErrorInfo:
		info.NodeID = v.NodeID
	}
	return info, nil
}

// Summarize produces a PayloadSummary with at most previewLen bytes of
// preview, trimmed back to a UTF-8 boundary so the result stays printable.
func Summarize(data []byte, previewLen int) PayloadSummary {
	if previewLen <= 0 {
		previewLen = DefaultPreviewBytes
	}
	preview := data
	if len(preview) > previewLen {
		preview = preview[:previewLen]
		for len(preview) > 0 && !utf8.Valid(preview) {
			preview = preview[:len(preview)-1]
		}
	}
	return PayloadSummary{
		Hash:        HashBytes(data),
		Preview:     string(preview),
		OriginalLen: len(data),
	}
}
