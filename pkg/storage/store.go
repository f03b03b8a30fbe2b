// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage keeps bundles together with their processing state in a
// badgerhold database on an in-memory Badger instance. The layout permits a
// later on-disk persistence, which this daemon does not do.
package storage

import (
	"encoding/gob"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold/v4"

	"github.com/dtn7/dtrd/pkg/bpv7"
)

// Store holds BundleItems, keyed by the whole bundle ID's string form.
type Store struct {
	bh *badgerhold.Store
}

// NewStore creates a new in-memory Store.
func NewStore() (*Store, error) {
	gob.Register(bpv7.EndpointID{})
	gob.Register([]bpv7.EndpointID{})
	gob.Register(time.Time{})

	opts := badgerhold.DefaultOptions
	opts.Options = opts.Options.WithInMemory(true).WithLogger(log.StandardLogger())
	opts.Dir = ""
	opts.ValueDir = ""

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Store{bh: bh}, nil
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Insert a new or received bundle. The operation is idempotent: a known
// bundle is a no-op, a new fragment joins its item, and the expiry of the
// first-arriving fragment bounds the whole item.
func (s *Store) Insert(b bpv7.Bundle) error {
	bi, err := newBundleItem(b)
	if err != nil {
		return err
	}

	known, getErr := s.Get(b.ID())
	if getErr != nil {
		log.WithField("bundle", bi.Id).Debug("Store inserts new BundleItem")

		return s.bh.Insert(bi.Id, bi)
	}

	if !bi.Fragmented || !known.Fragmented {
		log.WithField("bundle", bi.Id).Debug("Store knows this bundle, insert is a no-op")
		return nil
	}

	fragment := bi.Fragments[0]
	for _, existing := range known.Fragments {
		if existing.FragmentOffset == fragment.FragmentOffset &&
			existing.TotalDataLength == fragment.TotalDataLength {
			log.WithField("bundle", bi.Id).Debug("Store knows this fragment, insert is a no-op")
			return nil
		}
	}

	log.WithField("bundle", bi.Id).Info("Store joins new fragment into BundleItem")

	known.Fragments = append(known.Fragments, fragment)

	// A partial reassembly is discarded when the earliest-arriving
	// fragment's lifetime runs out, so known.Expires is kept as it is.

	return s.bh.Update(known.Id, known)
}

// Get the BundleItem of a BundleID; fragment IDs resolve to their shared item.
func (s *Store) Get(bid bpv7.BundleID) (bi BundleItem, err error) {
	err = s.bh.Get(bid.Whole().String(), &bi)
	return
}

// Has checks if this bundle is known.
func (s *Store) Has(bid bpv7.BundleID) bool {
	_, err := s.Get(bid)
	return err != badgerhold.ErrNotFound
}

// Update an existing BundleItem.
func (s *Store) Update(bi BundleItem) error {
	log.WithFields(log.Fields{
		"bundle": bi.Id,
		"state":  bi.State,
	}).Debug("Store updates BundleItem")

	return s.bh.Update(bi.Id, bi)
}

// MarkForwarded books a peer which acknowledged a complete transfer into the
// item's ForwardedTo set.
func (s *Store) MarkForwarded(bid bpv7.BundleID, peer bpv7.EndpointID) error {
	bi, err := s.Get(bid)
	if err != nil {
		return err
	}

	if bi.IsForwardedTo(peer) {
		return nil
	}

	bi.ForwardedTo = append(bi.ForwardedTo, peer)
	return s.Update(bi)
}

// Delete a BundleItem.
func (s *Store) Delete(bid bpv7.BundleID) error {
	id := bid.Whole().String()

	if err := s.bh.Delete(id, BundleItem{}); err != nil && err != badgerhold.ErrNotFound {
		return err
	}
	return nil
}

// DeleteExpired drops all bundles whose lifetime ran out and returns their
// BundleIDs.
func (s *Store) DeleteExpired() (expired []bpv7.BundleID) {
	var items []BundleItem
	if err := s.bh.Find(&items, badgerhold.Where("Expires").Lt(time.Now())); err != nil {
		log.WithError(err).Warn("Store failed to query expired bundles")
		return
	}

	for _, bi := range items {
		if err := s.bh.Delete(bi.Id, BundleItem{}); err != nil {
			log.WithFields(log.Fields{
				"bundle": bi.Id,
				"error":  err,
			}).Warn("Store failed to delete expired bundle")
			continue
		}

		expired = append(expired, bi.BId)
	}
	return
}

// PendingDue lists the pending bundles whose retry time has come.
func (s *Store) PendingDue(now time.Time) (items []BundleItem, err error) {
	err = s.bh.Find(&items,
		badgerhold.Where("Pending").Eq(true).And("NextRetry").Le(now))
	return
}

// PendingAll lists every pending bundle, regardless of its retry time.
func (s *Store) PendingAll() (items []BundleItem, err error) {
	err = s.bh.Find(&items, badgerhold.Where("Pending").Eq(true))
	return
}
