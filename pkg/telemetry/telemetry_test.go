package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSpansNestUnderSampledRequest(t *testing.T) {
	var tel *Telemetry
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := r.Context().Value(ctxKeyType{}); v != nil {
			tel = v.(*Telemetry)
		}
		end := StartSpan(r.Context(), "store.append")
		endInner := StartSpan(r.Context(), "store.fsync")
		endInner()
		end()
		w.WriteHeader(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("X-Debug-Telemetry", "1")
	rec := httptest.NewRecorder()
	Middleware(inner).ServeHTTP(rec, req)

	if tel == nil {
		t.Fatalf("forced sampling did not attach telemetry")
	}
	if tel.Status != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", tel.Status)
	}
	// root + two named spans
	if len(tel.Spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(tel.Spans))
	}
	root, outer, inner2 := tel.Spans[0], tel.Spans[1], tel.Spans[2]
	if outer.ParentID != root.ID {
		t.Fatalf("outer span parent = %q, want root %q", outer.ParentID, root.ID)
	}
	if inner2.ParentID != outer.ID {
		t.Fatalf("inner span parent = %q, want %q", inner2.ParentID, outer.ID)
	}
	if len(tel.spanStack) != 1 {
		t.Fatalf("span stack not unwound: %v", tel.spanStack)
	}
}

func TestStartSpanNoopWithoutTelemetry(t *testing.T) {
	end := StartSpan(context.Background(), "anything")
	end() // must not panic
}

func TestSetRequestOpRenamesRoot(t *testing.T) {
	tel := &Telemetry{Op: "old", Spans: []Span{{ID: "s-1", Op: "old"}}}
	ctx := context.WithValue(context.Background(), ctxKeyType{}, tel)
	SetRequestOp(ctx, "list_conversations")
	if tel.Op != "list_conversations" || tel.Spans[0].Op != "list_conversations" {
		t.Fatalf("op not renamed: %+v", tel)
	}
}
