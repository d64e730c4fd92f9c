// Package handlers implements the REST surface of the chat service.
// The auth middleware has already resolved the caller's API-key role;
// participant identity comes from the verified token in the request
// context, or from explicit sender fields for backend callers.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"farmchat/pkg/gateway"
	"farmchat/pkg/ingest"
	"farmchat/pkg/store"
)

// maxBodyBytes bounds request bodies beyond the content ceiling so a
// malformed client cannot stream an unbounded payload into the decoder.
const maxBodyBytes = 1 << 20

// RetentionRunner triggers one retention sweep; the admin surface uses it.
type RetentionRunner interface {
	Run(ctx context.Context) (store.PurgeStats, error)
}

// Deps are the collaborators handlers need beyond the package-level store.
type Deps struct {
	Dispatcher *ingest.Dispatcher
	Presence   *gateway.Presence
	Retention  RetentionRunner
	// PageSize is the default history page when the request names none.
	PageSize int
	// TokenTTL is the default lifetime of minted participant tokens.
	TokenTTL time.Duration
}

func (d Deps) pageSize() int {
	if d.PageSize > 0 {
		return d.PageSize
	}
	return 20
}

// parsePage reads limit/offset query parameters. The limit is clamped to
// [1, 200] so one request cannot drag the whole history.
func parsePage(r *http.Request, def int) (limit, offset int) {
	limit = def
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}
