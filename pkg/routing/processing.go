// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"errors"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/dtrd/pkg/agent"
	"github.com/dtn7/dtrd/pkg/bpv7"
	"github.com/dtn7/dtrd/pkg/cla"
	"github.com/dtn7/dtrd/pkg/storage"
)

// dispatchBackoff is the pause until another dispatching attempt, growing
// exponentially from a second up to a minute, with full jitter.
func dispatchBackoff(attempts uint) time.Duration {
	limit := time.Second << attempts
	if attempts > 6 || limit > time.Minute {
		limit = time.Minute
	}

	return time.Duration(rand.Int63n(int64(limit)) + 1)
}

// SendBundle accepts an outbound bundle, e.g., submitted through the client
// API. The bundle's sequence number is assigned herein.
func (c *Core) SendBundle(bndl *bpv7.Bundle) {
	source := bndl.PrimaryBlock.Source
	if !source.IsNone() && !c.isLocalDestination(source) {
		log.WithFields(log.Fields{
			"bundle": bndl.ID().String(),
			"source": source,
		}).Warn("Outbound bundle's source is neither dtn:none nor this node, dropping")
		return
	}

	c.sequence.stamp(bndl)

	log.WithField("bundle", bndl.ID().String()).Info("Accepted outbound bundle")

	bi, err := c.enqueue(*bndl)
	if err != nil {
		log.WithFields(log.Fields{
			"bundle": bndl.ID().String(),
			"error":  err,
		}).Error("Storing outbound bundle failed")
		return
	}

	c.dispatch(bi)
}

// receive handles a bundle arriving on a link.
func (c *Core) receive(bndl *bpv7.Bundle) {
	logger := log.WithField("bundle", bndl.ID().String())

	if !bndl.PrimaryBlock.IsFragment() && c.store.Has(bndl.ID()) {
		logger.Debug("Received bundle is already known, ignoring")
		return
	}

	if bndl.IsLifetimeExceeded() {
		logger.Info("Received bundle's lifetime is exceeded, discarding")
		return
	}

	logger.Info("Processing received bundle")

	if !c.inspectUnknownBlocks(bndl, logger) {
		return
	}

	bi, err := c.enqueue(*bndl)
	if err != nil {
		logger.WithError(err).Error("Storing received bundle failed")
		return
	}

	// A previous node block names a peer which already has this bundle.
	if pnBlock, pnErr := bndl.ExtensionBlock(bpv7.BlockTypePreviousNode); pnErr == nil {
		previous := pnBlock.Value.(*bpv7.PreviousNodeBlock).Node
		if !bi.IsForwardedTo(previous) {
			bi.ForwardedTo = append(bi.ForwardedTo, previous)
			_ = c.store.Update(bi)
		}
	}

	c.dispatch(bi)
}

// inspectUnknownBlocks applies the block processing control flags of
// unknown extension blocks, RFC 9171, section 5.6. It reports whether the
// bundle survives.
func (c *Core) inspectUnknownBlocks(bndl *bpv7.Bundle, logger *log.Entry) bool {
	var discard []uint64

	for i := range bndl.ExtensionBlocks {
		cb := &bndl.ExtensionBlocks[i]
		if bpv7.IsKnownBlockType(cb.TypeCode()) {
			continue
		}

		blockLogger := logger.WithFields(log.Fields{
			"block": cb.BlockNumber,
			"type":  cb.TypeCode(),
		})
		blockLogger.Debug("Bundle carries an unknown extension block")

		if cb.Flags.Has(bpv7.DeleteBundleOnFailure) {
			blockLogger.Info("Unknown extension block demands bundle deletion")
			return false
		}

		if cb.Flags.Has(bpv7.DiscardBlockOnFailure) {
			blockLogger.Info("Unknown extension block demands its own removal")
			discard = append(discard, cb.TypeCode())
		}
	}

	for _, typeCode := range discard {
		bndl.RemoveExtensionBlock(typeCode)
	}
	return true
}

// enqueue stores a bundle and marks it pending for prompt dispatching.
func (c *Core) enqueue(bndl bpv7.Bundle) (bi storage.BundleItem, err error) {
	if err = c.store.Insert(bndl); err != nil {
		return
	}

	if bi, err = c.store.Get(bndl.ID()); err != nil {
		return
	}

	bi.Pending = true
	bi.NextRetry = time.Now()
	err = c.store.Update(bi)
	return
}

// dispatch decides the fate of a stored bundle: local delivery, remote
// forwarding, or expiry.
func (c *Core) dispatch(bi storage.BundleItem) {
	logger := log.WithField("bundle", bi.Id)

	if time.Now().After(bi.Expires) {
		logger.Info("Bundle lifetime exceeded, discarding")

		_ = bi.AdvanceState(storage.StateExpired)
		_ = c.store.Delete(bi.BId)
		return
	}

	// An incomplete set of fragments waits for the missing pieces.
	if !bi.Complete() {
		logger.Debug("Fragments are not complete yet, waiting")
		return
	}

	bndl, err := bi.Bundle()
	if err != nil {
		logger.WithError(err).Error("Loading bundle from store failed, removing")

		_ = c.store.Delete(bi.BId)
		return
	}

	if c.isLocalDestination(bndl.PrimaryBlock.Destination) {
		c.deliverLocal(bi, &bndl)
	} else {
		c.forward(bi, &bndl)
	}
}

// deliverLocal hands a bundle to its subscribed applications. Without a
// subscriber, the bundle stays stored until its lifetime runs out.
func (c *Core) deliverLocal(bi storage.BundleItem, bndl *bpv7.Bundle) {
	logger := log.WithField("bundle", bi.Id)

	if err := c.registry.Deliver(bndl); err != nil {
		if !errors.Is(err, agent.ErrNoSubscriber) {
			logger.WithError(err).Warn("Local delivery failed")
		}
		logger.Debug("No subscriber yet, bundle stays stored")

		c.requeue(bi)
		return
	}

	logger.Info("Bundle was delivered locally")

	_ = bi.AdvanceState(storage.StateDelivered)
	_ = c.store.Delete(bi.BId)
}

// requeue schedules another dispatching attempt after a backoff.
func (c *Core) requeue(bi storage.BundleItem) {
	_ = bi.AdvanceState(storage.StateAccepted)

	bi.Pending = true
	bi.NextRetry = time.Now().Add(dispatchBackoff(bi.Attempts))
	bi.Attempts++

	if err := c.store.Update(bi); err != nil {
		log.WithFields(log.Fields{
			"bundle": bi.Id,
			"error":  err,
		}).Error("Requeueing bundle failed")
	}
}

// forward hands a bundle to the best matching route's convergence sender.
// Bundles exceeding the link's maximum bundle size are fragmented first.
func (c *Core) forward(bi storage.BundleItem, bndl *bpv7.Bundle) {
	logger := log.WithField("bundle", bi.Id)

	var candidates []Route
	for _, route := range c.routes.Candidates(bndl.PrimaryBlock.Destination) {
		if !bi.IsForwardedTo(route.NextHop) {
			candidates = append(candidates, route)
		}
	}

	if len(candidates) == 0 {
		logger.Debug("No route is available, scheduling retry")

		c.requeue(bi)
		return
	}

	if err := bi.AdvanceState(storage.StateForwarding); err != nil {
		logger.WithError(err).Warn("Bundle is not forwardable")
		return
	}

	if hcBlock, err := bndl.ExtensionBlock(bpv7.BlockTypeHopCount); err == nil {
		hc := hcBlock.Value.(*bpv7.HopCountBlock)
		if hc.Count+1 > hc.Limit {
			logger.Info("Bundle hop count exceeded, discarding")

			_ = bi.AdvanceState(storage.StateFailed)
			_ = c.store.Delete(bi.BId)
			return
		}
	}

	rejections := 0
	for _, route := range candidates {
		sender := c.senderToNode(route.NextHop)
		if sender == nil {
			continue
		}

		if limited, ok := sender.(cla.SizeLimitedSender); ok {
			if maxSize := limited.MaxBundleSize(); maxSize > 0 && c.fragmentInto(bi, bndl, maxSize) {
				return
			}
		}

		logger.WithFields(log.Fields{
			"route": route,
			"cla":   sender,
		}).Info("Handing bundle to a convergence sender")

		err := c.sendFragments(bi, sender)

		if err == nil {
			_ = c.store.MarkForwarded(bi.BId, route.NextHop)

			if bndl.PrimaryBlock.Destination.SameNode(route.NextHop) {
				logger.WithField("peer", route.NextHop).Info("Bundle reached its destination node")

				_ = bi.AdvanceState(storage.StateDelivered)
				_ = c.store.Delete(bi.BId)
			} else {
				logger.WithField("peer", route.NextHop).Info("Bundle was forwarded")

				if refreshed, getErr := c.store.Get(bi.BId); getErr == nil {
					c.requeue(refreshed)
				}
			}
			return
		}

		logger.WithFields(log.Fields{
			"peer":  route.NextHop,
			"error": err,
		}).Info("Sending bundle failed")

		if errors.Is(err, cla.ErrSendRejected) {
			rejections++
			continue
		}

		// A transient failure; stop here and try again later.
		break
	}

	if rejections == len(candidates) {
		logger.Info("Bundle was rejected by every candidate next hop, discarding")

		_ = bi.AdvanceState(storage.StateFailed)
		_ = c.store.Delete(bi.BId)
		return
	}

	c.requeue(bi)
}

// sendFragments transmits every stored bundle of an item, usually exactly
// one. The hop count, previous node and bundle age blocks are refreshed
// before each transmission.
func (c *Core) sendFragments(bi storage.BundleItem, sender cla.ConvergenceSender) error {
	for _, sb := range bi.Fragments {
		bndl, err := sb.Decode()
		if err != nil {
			return err
		}

		c.refreshExtensionBlocks(bi, &bndl)

		if err := sender.Send(bndl); err != nil {
			return err
		}
	}
	return nil
}

// refreshExtensionBlocks maintains the hop count, previous node and bundle
// age blocks of an outgoing bundle.
func (c *Core) refreshExtensionBlocks(bi storage.BundleItem, bndl *bpv7.Bundle) {
	if hcBlock, err := bndl.ExtensionBlock(bpv7.BlockTypeHopCount); err == nil {
		hcBlock.Value.(*bpv7.HopCountBlock).Step()
	}

	if pnBlock, err := bndl.ExtensionBlock(bpv7.BlockTypePreviousNode); err == nil {
		// Replace the previous node with ourselves.
		pnBlock.Value = bpv7.NewPreviousNodeBlock(c.NodeId)
	} else {
		_ = bndl.AddExtensionBlock(bpv7.NewCanonicalBlock(
			0, 0, bpv7.NewPreviousNodeBlock(c.NodeId)))
	}

	if babBlock, err := bndl.ExtensionBlock(bpv7.BlockTypeBundleAge); err == nil {
		babBlock.Value.(*bpv7.BundleAgeBlock).Milliseconds += uint64(time.Since(bi.Received).Milliseconds())
	}
}

// fragmentInto splits a bundle which exceeds the link's maximum bundle size
// and re-enters the forwarder with each fragment as a new bundle. It reports
// whether a fragmentation took place.
func (c *Core) fragmentInto(bi storage.BundleItem, bndl *bpv7.Bundle, maxSize uint64) bool {
	oversize := false
	for _, sb := range bi.Fragments {
		if uint64(len(sb.Data)) > maxSize {
			oversize = true
			break
		}
	}

	if !oversize {
		return false
	}

	logger := log.WithField("bundle", bi.Id)

	fragments, err := bndl.Fragment(int(maxSize))
	if err != nil {
		logger.WithError(err).Warn("Bundle exceeds the link's maximum bundle size, but cannot be fragmented")
		return false
	}
	if len(fragments) == 1 {
		return false
	}

	logger.WithFields(log.Fields{
		"fragments": len(fragments),
		"max_size":  maxSize,
	}).Info("Fragmenting bundle for the link's maximum bundle size")

	_ = c.store.Delete(bi.BId)

	for i := range fragments {
		fragItem, fragErr := c.enqueue(fragments[i])
		if fragErr != nil {
			logger.WithError(fragErr).Error("Storing fragment failed")
			continue
		}

		c.dispatch(fragItem)
	}

	return true
}
