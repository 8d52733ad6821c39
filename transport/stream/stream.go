// Package stream holds what the SSE and WebSocket endpoints share: filter
// parsing from the query string and per-caller event visibility.
package stream

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/c0deZ3R0/marketsync/auth"
	syncErrors "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/synckit"
)

// Source is the part of the engine a stream endpoint needs.
type Source interface {
	Subscribe(filter synckit.EventFilter) *synckit.Subscription
}

var knownTypes = map[synckit.EventType]bool{
	synckit.EventQueued:           true,
	synckit.EventProcessing:       true,
	synckit.EventProcessed:        true,
	synckit.EventRetrying:         true,
	synckit.EventFailed:           true,
	synckit.EventConflictDetected: true,
	synckit.EventConflictResolved: true,
	synckit.EventMetrics:          true,
	synckit.EventHealthAlert:      true,
}

// ParseFilter reads entityType, entityId, marketplaceId and a comma separated
// types list from q.
func ParseFilter(q url.Values) (synckit.EventFilter, error) {
	var f synckit.EventFilter
	if v := q.Get("entityType"); v != "" {
		if err := f.EntityType.UnmarshalText([]byte(v)); err != nil {
			return f, invalid(err)
		}
	}
	f.EntityID = q.Get("entityId")
	f.MarketplaceID = q.Get("marketplaceId")
	if v := q.Get("types"); v != "" {
		for _, name := range strings.Split(v, ",") {
			t := synckit.EventType(strings.TrimSpace(name))
			if !knownTypes[t] {
				return f, invalid(fmt.Errorf("unknown event type %q", t))
			}
			f.Types = append(f.Types, t)
		}
	}
	return f, nil
}

func invalid(err error) error {
	return syncErrors.E(syncErrors.OpSubscribe, syncErrors.Component("transport/stream"), syncErrors.KindInvalid, err)
}

// Caller returns the authenticated principal of r, or nil when the endpoint
// is served without the auth middleware.
func Caller(r *http.Request) synckit.AuthContext {
	if p, ok := auth.FromContext(r.Context()); ok {
		return p
	}
	return nil
}

// Allowed reports whether caller may open a stream with filter.
func Allowed(caller synckit.AuthContext, filter synckit.EventFilter) bool {
	return caller == nil || filter.MarketplaceID == "" || caller.Authorized(filter.MarketplaceID)
}

// Visible reports whether caller may see ev. Events that name no marketplace
// (metrics, health alerts) are visible to every caller.
func Visible(caller synckit.AuthContext, ev synckit.Event) bool {
	if caller == nil || ev.MarketplaceID == "" {
		return true
	}
	if caller.Authorized(ev.MarketplaceID) {
		return true
	}
	return ev.Conflict != nil && caller.Authorized(ev.Conflict.SourceMarketplace)
}

// Open parses the request filter, checks access and subscribes. On failure it
// writes the HTTP error and returns nil.
func Open(w http.ResponseWriter, r *http.Request, src Source) (*synckit.Subscription, synckit.AuthContext) {
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, nil
	}
	caller := Caller(r)
	if !Allowed(caller, filter) {
		http.Error(w, "marketplace not authorized", http.StatusForbidden)
		return nil, nil
	}
	return src.Subscribe(filter), caller
}
