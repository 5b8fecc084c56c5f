// Package clipboard provides OS clipboard access for clipboard sync: a
// per-platform SystemClipboard for processes with display access, and a
// proxy Provider that delegates through the user helper's IPC session when
// the daemon runs without one.
package clipboard

import (
	"errors"
	"sync"
)

// ErrNoProvider is returned before InitContext has installed a provider.
var ErrNoProvider = errors.New("clipboard: no provider installed")

// ContentType discriminates what a clipboard Content carries.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeRTF   ContentType = "rtf"
	ContentTypeImage ContentType = "image"
)

// Content is one clipboard payload.
type Content struct {
	Type        ContentType
	Text        string
	RTF         []byte
	Image       []byte
	ImageFormat string // "png" or "jpeg"
}

// Provider reads and writes the clipboard.
type Provider interface {
	GetContent() (Content, error)
	SetContent(content Content) error
}

// The OS clipboard is process-wide; Context serializes set/get so two
// connections syncing at once don't interleave partial writes.
var (
	ctxMu       sync.Mutex
	ctxProvider Provider
)

// InitContext installs the process-wide provider. Call once at startup.
func InitContext(p Provider) {
	ctxMu.Lock()
	ctxProvider = p
	ctxMu.Unlock()
}

// Get reads the current clipboard content through the installed provider.
func Get() (Content, error) {
	ctxMu.Lock()
	defer ctxMu.Unlock()
	if ctxProvider == nil {
		return Content{}, ErrNoProvider
	}
	return ctxProvider.GetContent()
}

// Set writes content through the installed provider.
func Set(content Content) error {
	ctxMu.Lock()
	defer ctxMu.Unlock()
	if ctxProvider == nil {
		return ErrNoProvider
	}
	return ctxProvider.SetContent(content)
}

// SetText is the common case: plaintext clipboard sync from a peer.
func SetText(text string) error {
	return Set(Content{Type: ContentTypeText, Text: text})
}
