// Package stt defines the speech recognition capability used by the
// recognize stage of the voice pipeline.
//
// An utterance arrives as one complete audio blob in a container format
// named by its MIME type (audio/webm from browsers by default). Providers
// return the transcript text; an empty or whitespace-only transcript is a
// valid result and is handled by the caller.
package stt

import (
	"context"
	"strings"
)

// DefaultMIMEType is assumed when the caller does not know the format.
const DefaultMIMEType = "audio/webm"

// Provider transcribes a single utterance.
//
// Implementations must honour ctx cancellation and must be safe for
// concurrent use. HTTP status failures should be returned as
// [*apierr.StatusError] so that client errors are not retried.
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

var extensions = map[string]string{
	"audio/webm":  "webm",
	"audio/wav":   "wav",
	"audio/x-wav": "wav",
	"audio/wave":  "wav",
	"audio/mp4":   "mp4",
	"audio/mpeg":  "mp3",
	"audio/ogg":   "ogg",
	"audio/flac":  "flac",
}

// Filename returns an upload file name whose extension matches mimeType.
// Parameters such as ";codecs=opus" are ignored. Unknown types map to
// "audio.webm".
func Filename(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	ext, ok := extensions[strings.ToLower(strings.TrimSpace(base))]
	if !ok {
		ext = "webm"
	}
	return "audio." + ext
}

// ContentType returns mimeType without parameters, or [DefaultMIMEType]
// when it is empty.
func ContentType(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	base = strings.TrimSpace(base)
	if base == "" {
		return DefaultMIMEType
	}
	return base
}
