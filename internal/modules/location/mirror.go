// README: Firebase Realtime Database mirror of courier positions for live maps.
// Package location mirrors courier positions into Firebase Realtime Database so
// customer apps can follow their courier on a live map without polling the API.
package location

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/db"

	"courierhub/internal/modules/courier"
)

const defaultRoot = "courier_locations"

// Writer is the subset of the RTDB client the mirror needs.
type Writer interface {
	Set(ctx context.Context, path string, v interface{}) error
	Delete(ctx context.Context, path string) error
}

// Entry is the document stored under courier_locations/{courierID}.
type Entry struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy"`
	Status    string  `json:"status"`
	Timestamp int64   `json:"timestamp"`
}

// RTDBMirror implements courier.Mirror. Offline couriers are removed from the tree.
type RTDBMirror struct {
	w    Writer
	root string
	log  *slog.Logger
}

func NewRTDBMirror(w Writer, root string, logger *slog.Logger) *RTDBMirror {
	if root == "" {
		root = defaultRoot
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RTDBMirror{w: w, root: root, log: logger.With("component", "location_mirror")}
}

func (m *RTDBMirror) Mirror(ctx context.Context, p courier.Presence) error {
	if p.CourierID == "" {
		return nil
	}
	path := m.root + "/" + string(p.CourierID)
	if p.Status == courier.StatusOffline {
		if err := m.w.Delete(ctx, path); err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
		return nil
	}
	entry := Entry{
		Lat:       p.Position.Lat,
		Lng:       p.Position.Lng,
		Accuracy:  p.AccuracyM,
		Status:    string(p.Status),
		Timestamp: p.UpdatedAt.UnixMilli(),
	}
	if err := m.w.Set(ctx, path, entry); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	m.log.Debug("courier mirrored", "courier_id", p.CourierID, "status", p.Status)
	return nil
}

// DBWriter adapts *db.Client to Writer.
type DBWriter struct {
	client *db.Client
}

func NewDBWriter(client *db.Client) *DBWriter {
	return &DBWriter{client: client}
}

func (w *DBWriter) Set(ctx context.Context, path string, v interface{}) error {
	return w.client.NewRef(path).Set(ctx, v)
}

func (w *DBWriter) Delete(ctx context.Context, path string) error {
	return w.client.NewRef(path).Delete(ctx)
}
