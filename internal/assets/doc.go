// Package assets provides asset stores for the orchestrator.
//
// DirStore reads image files below a root directory. PNG, JPEG and GIF are
// decoded by the standard library; BMP, TIFF and WebP by golang.org/x/image.
// Fingerprints are xxhash64 digests of the file bytes, so editing a file
// changes every cache key derived from it. Watch follows the directory with
// fsnotify and reports changed asset IDs, which the service passes to
// Orchestrator.Invalidate.
//
// MemoryStore keeps decoded images in a map and is used by tests and
// embedders that already hold images in memory.
package assets
