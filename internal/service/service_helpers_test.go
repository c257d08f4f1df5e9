package service

import (
	"context"
	"sync/atomic"

	"github.com/xkilldash9x/autoapply/api/schemas"
)

// stubBrowser is a BrowserDriver that never launches Chrome.
type stubBrowser struct {
	shutdowns atomic.Int32
	err       error
}

func (b *stubBrowser) Open(context.Context, string) (schemas.BrowserSession, error) {
	return nil, schemas.ErrUnreachable
}

func (b *stubBrowser) Shutdown(context.Context) error {
	b.shutdowns.Add(1)
	return b.err
}

// closeCountingStore wraps a store and counts Close calls.
type closeCountingStore struct {
	schemas.Store
	closes atomic.Int32
}

func (s *closeCountingStore) Close() error {
	s.closes.Add(1)
	return s.Store.Close()
}
