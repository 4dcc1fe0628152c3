package driver

import (
	"context"
	"fmt"
	"sync"
)

// LocalDriver keeps listings in process memory. Single-instance
// deployments and tests use it; nothing outside the process can see it.
type LocalDriver struct {
	mu       sync.RWMutex
	listings map[string]*RoomListing
}

func NewLocalDriver() *LocalDriver {
	return &LocalDriver{listings: make(map[string]*RoomListing)}
}

func (d *LocalDriver) Create(_ context.Context, listing *RoomListing) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *listing
	d.listings[listing.RoomID] = &copied
	return nil
}

func (d *LocalDriver) Update(_ context.Context, roomID string, update Update) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.listings[roomID]
	if !ok {
		return fmt.Errorf("driver: room %q not found", roomID)
	}
	update.apply(l)
	return nil
}

func (d *LocalDriver) Has(_ context.Context, roomID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.listings[roomID]
	return ok, nil
}

func (d *LocalDriver) FindOne(ctx context.Context, query Query) (*RoomListing, error) {
	all, err := d.Find(ctx, query)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

func (d *LocalDriver) Find(_ context.Context, query Query) ([]*RoomListing, error) {
	d.mu.RLock()
	var out []*RoomListing
	for _, l := range d.listings {
		if query.Matches(l) {
			copied := *l
			out = append(out, &copied)
		}
	}
	d.mu.RUnlock()

	SortListings(out, query)
	return out, nil
}

func (d *LocalDriver) Remove(_ context.Context, roomID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listings, roomID)
	return nil
}

func (d *LocalDriver) Cleanup(_ context.Context, processID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, l := range d.listings {
		if l.ProcessID == processID {
			delete(d.listings, id)
		}
	}
	return nil
}

func (d *LocalDriver) Shutdown(context.Context) error { return nil }
