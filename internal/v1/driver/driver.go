// Package driver stores the queryable listing of rooms across the fleet.
// Every live room has exactly one entry, written by its owning process and
// read by any matchmaker that needs to route a client.
package driver

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// RoomListing is the queryable record of one live room.
type RoomListing struct {
	RoomID           string         `json:"roomId"`
	ProcessID        string         `json:"processId"`
	Name             string         `json:"name"`
	PublicAddress    string         `json:"publicAddress,omitempty"`
	Clients          int            `json:"clients"`
	MaxClients       int            `json:"maxClients"`
	Locked           bool           `json:"locked"`
	Private          bool           `json:"private"`
	Unlisted         bool           `json:"unlisted"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        string         `json:"createdAt"`
	FilterAttributes map[string]any `json:"filterAttributes,omitempty"`
}

// NewRoomListing stamps a listing with its creation time.
func NewRoomListing(roomID, processID, name string) *RoomListing {
	return &RoomListing{
		RoomID:    roomID,
		ProcessID: processID,
		Name:      name,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// HasCapacity reports whether another client fits. MaxClients zero means
// unbounded.
func (l *RoomListing) HasCapacity() bool {
	return l.MaxClients == 0 || l.Clients < l.MaxClients
}

// Marshal encodes the listing for storage.
func (l *RoomListing) Marshal() ([]byte, error) {
	return json.Marshal(l)
}

// Update describes a partial mutation of a listing. Set replaces fields;
// Inc adjusts numeric ones. Both maps use the JSON field names.
type Update struct {
	Set map[string]any
	Inc map[string]int
}

// apply mutates the listing in place.
func (u Update) apply(l *RoomListing) {
	for field, value := range u.Set {
		switch field {
		case "clients":
			if n, ok := toInt(value); ok {
				l.Clients = n
			}
		case "maxClients":
			if n, ok := toInt(value); ok {
				l.MaxClients = n
			}
		case "locked":
			if b, ok := value.(bool); ok {
				l.Locked = b
			}
		case "private":
			if b, ok := value.(bool); ok {
				l.Private = b
			}
		case "unlisted":
			if b, ok := value.(bool); ok {
				l.Unlisted = b
			}
		case "publicAddress":
			if s, ok := value.(string); ok {
				l.PublicAddress = s
			}
		case "metadata":
			if m, ok := value.(map[string]any); ok {
				l.Metadata = m
			}
		case "filterAttributes":
			if m, ok := value.(map[string]any); ok {
				l.FilterAttributes = m
			}
		}
	}
	for field, delta := range u.Inc {
		switch field {
		case "clients":
			l.Clients += delta
		case "maxClients":
			l.MaxClients += delta
		}
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Query filters listings. Zero-valued fields are not applied; the boolean
// filters use pointers so "don't care" and "must be false" stay distinct.
type Query struct {
	Name     string
	RoomID   string
	Locked   *bool
	Private  *bool
	Unlisted *bool

	// FilterAttributes must all match the listing's attributes exactly.
	FilterAttributes map[string]any

	// RequireCapacity skips full rooms.
	RequireCapacity bool

	// SortBy orders results by a filter attribute or by "clients" /
	// "createdAt". Descending when SortDescending is set.
	SortBy         string
	SortDescending bool
}

// Matches reports whether a listing satisfies the query.
func (q *Query) Matches(l *RoomListing) bool {
	if q.Name != "" && l.Name != q.Name {
		return false
	}
	if q.RoomID != "" && l.RoomID != q.RoomID {
		return false
	}
	if q.Locked != nil && l.Locked != *q.Locked {
		return false
	}
	if q.Private != nil && l.Private != *q.Private {
		return false
	}
	if q.Unlisted != nil && l.Unlisted != *q.Unlisted {
		return false
	}
	if q.RequireCapacity && !l.HasCapacity() {
		return false
	}
	for k, want := range q.FilterAttributes {
		got, ok := l.FilterAttributes[k]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares values across the numeric widths JSON decoding
// produces. A criteria int must match a stored float64.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// Driver is the listing store. Implementations must be safe for use by
// concurrent matchmakers.
type Driver interface {
	// Create inserts or replaces the listing for listing.RoomID.
	Create(ctx context.Context, listing *RoomListing) error

	// Update applies a partial mutation. Returns presence.ErrNotFound
	// (wrapped) when the room is gone.
	Update(ctx context.Context, roomID string, update Update) error

	// Has reports whether a listing exists.
	Has(ctx context.Context, roomID string) (bool, error)

	// FindOne returns the first listing matching the query, or nil when
	// none does.
	FindOne(ctx context.Context, query Query) (*RoomListing, error)

	// Find returns every listing matching the query, sorted per the query.
	Find(ctx context.Context, query Query) ([]*RoomListing, error)

	// Remove deletes a listing. Removing an absent room is not an error.
	Remove(ctx context.Context, roomID string) error

	// Cleanup removes every listing owned by processID. Run when a process
	// is detected dead so its rooms stop attracting joins.
	Cleanup(ctx context.Context, processID string) error

	Shutdown(ctx context.Context) error
}

// SortListings orders listings in place per the query's sort settings.
func SortListings(listings []*RoomListing, q Query) {
	if q.SortBy == "" {
		return
	}
	less := func(a, b *RoomListing) bool {
		switch q.SortBy {
		case "clients":
			return a.Clients < b.Clients
		case "createdAt":
			return a.CreatedAt < b.CreatedAt
		default:
			av, aok := toFloat(a.FilterAttributes[q.SortBy])
			bv, bok := toFloat(b.FilterAttributes[q.SortBy])
			if aok && bok {
				return av < bv
			}
			return false
		}
	}
	sort.SliceStable(listings, func(i, j int) bool {
		if q.SortDescending {
			return less(listings[j], listings[i])
		}
		return less(listings[i], listings[j])
	})
}
