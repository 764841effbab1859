// Package tts defines the speech synthesis capability used by the
// synthesize stage of the voice pipeline.
package tts

import "context"

// Provider turns a reply text into playable audio.
//
// The returned bytes are one complete audio blob in the provider's
// configured container format (mp3 by default). Implementations must honour
// ctx cancellation and be safe for concurrent use. HTTP status failures
// should be returned as [*apierr.StatusError].
type Provider interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
