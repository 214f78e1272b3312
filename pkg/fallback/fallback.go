// Package fallback provides degraded audio delivery for when streaming to
// the backend-driven path is not possible. Buffered audio is handed over as
// a whole and played from a file instead of frame by frame.
package fallback

// Player plays a complete audio buffer for a call. Play returns a handle
// identifying the playback, or "" when playback could not be started.
// Label names the reason the fallback was taken, for diagnostics.
type Player interface {
	Play(callID string, audio []byte, label string) string
}
