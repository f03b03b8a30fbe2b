// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Scheduler runs named tasks in fixed intervals, each within its own
// goroutine. A task does not overlap with itself: the ticker holds at most
// one tick arriving during a still running execution, which starts the next
// run right afterwards; further ticks in that time are dropped.
type Scheduler struct {
	mutex sync.Mutex
	stops map[string]chan struct{}
	wg    sync.WaitGroup
}

// NewScheduler creates an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		stops: make(map[string]chan struct{}),
	}
}

// Every runs a task in the given interval until the Scheduler stops. The
// name must be unique.
func (scheduler *Scheduler) Every(name string, interval time.Duration, task func()) error {
	if interval <= 0 {
		return fmt.Errorf("task %s has a non-positive interval", name)
	}

	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()

	if scheduler.stops == nil {
		return fmt.Errorf("scheduler is stopped")
	}
	if _, exists := scheduler.stops[name]; exists {
		return fmt.Errorf("a task named %s is already scheduled", name)
	}

	stop := make(chan struct{})
	scheduler.stops[name] = stop

	scheduler.wg.Add(1)
	go func() {
		defer scheduler.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return

			case <-ticker.C:
				task()
			}
		}
	}()

	log.WithFields(log.Fields{
		"task":     name,
		"interval": interval,
	}).Debug("Scheduler registered task")

	return nil
}

// Stop every task and wait for the running ones to finish.
func (scheduler *Scheduler) Stop() {
	scheduler.mutex.Lock()
	stops := scheduler.stops
	scheduler.stops = nil
	scheduler.mutex.Unlock()

	for _, stop := range stops {
		close(stop)
	}
	scheduler.wg.Wait()
}
