// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package router resolves a logical target (host, cluster, broadcast)
// to a delivery channel over the message hub. Workers communicate
// exclusively through these channels; there is no shared memory
// between them.
package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/version/v2"

	"github.com/basalt-cloud/basalt/core/capability"
)

var logger = loggo.GetLogger("basalt.router")

const (
	hostTopicPrefix = "basalt.worker."

	// BroadcastTopic carries capability reports and cache
	// invalidation signals to all current subscribers. Nothing is
	// retained for late joiners; they catch up from the next periodic
	// report.
	BroadcastTopic = "basalt.broadcast"
)

// JobVersion tags the job wire schema written by this build.
var JobVersion = version.MustParse("2.0.0")

// Job is a directed unit of work for exactly one worker.
type Job struct {
	Version version.Number `json:"version"`

	// ID is the caller-assigned idempotency/request id.
	ID string `json:"id"`

	Operation    string `json:"operation"`
	ResourceType string `json:"resource-type"`
	ResourceUUID string `json:"resource-uuid"`

	// LedgerUUID carries the crash-recovery entry the dispatcher
	// registered before sending, so the worker can untrack it on
	// completion.
	LedgerUUID string `json:"ledger-uuid,omitempty"`

	Hints map[string]string `json:"hints,omitempty"`
}

// Mutating reports whether the job mutates a resource's lifecycle.
// Mutating jobs may never ride the broadcast channel: broadcast is
// best-effort and may reach any number of workers.
func (j Job) Mutating() bool {
	return j.ResourceUUID != ""
}

// Signal kinds carried on the broadcast topic.
const (
	SignalCapabilityReport = "capability-report"
	SignalInvalidateCache  = "invalidate-cache"
)

// Signal is a broadcast message: a capability report envelope or a
// cache invalidation marker, fanned out to all current subscribers.
type Signal struct {
	Kind string `json:"kind"`

	// Report is set for capability-report signals.
	Report *capability.Report `json:"report,omitempty"`

	// Host is set for invalidation signals naming a departed backend.
	Host string `json:"host,omitempty"`
}

// Target names the logical destination of a send.
type Target struct {
	Host      string
	Cluster   string
	Broadcast bool
}

// HostTarget addresses a specific worker.
func HostTarget(host string) Target { return Target{Host: host} }

// ClusterTarget addresses any one live member of a cluster.
func ClusterTarget(name string) Target { return Target{Cluster: name} }

// BroadcastTarget addresses all current subscribers.
func BroadcastTarget() Target { return Target{Broadcast: true} }

// Validate checks exactly one destination is set.
func (t Target) Validate() error {
	n := 0
	if t.Host != "" {
		n++
	}
	if t.Cluster != "" {
		n++
	}
	if t.Broadcast {
		n++
	}
	if n != 1 {
		return errors.NotValidf("target must name exactly one of host, cluster or broadcast")
	}
	return nil
}

func hostTopic(host string) string {
	return hostTopicPrefix + strings.ToLower(host)
}

// Channel delivers jobs to whatever the target resolved to.
type Channel interface {
	Send(ctx context.Context, job Job) error
}

// Config holds the router's dependencies.
type Config struct {
	Hub   *pubsub.StructuredHub
	Clock clock.Clock

	// RetryAttempts/RetryDelay bound redelivery when no subscriber is
	// currently resolvable, before UnreachableTarget is surfaced.
	RetryAttempts int
	RetryDelay    time.Duration
}

// New returns a router over the given hub.
func New(config Config) (*Router, error) {
	if config.Hub == nil {
		return nil, errors.NotValidf("nil Hub")
	}
	if config.Clock == nil {
		return nil, errors.NotValidf("nil Clock")
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 100 * time.Millisecond
	}
	return &Router{
		config:   config,
		hosts:    make(map[string]bool),
		clusters: make(map[string]*memberRing),
	}, nil
}

// Router maintains the current subscriber topology.
type Router struct {
	config Config

	mu       sync.Mutex
	hosts    map[string]bool
	clusters map[string]*memberRing
}

// Register subscribes a worker's job handler under its host topic and,
// when the worker belongs to a cluster, joins it to the cluster's
// unicast ring. The returned function removes the worker from the
// topology.
func (r *Router) Register(host, cluster string, handler func(Job)) (func(), error) {
	if host == "" {
		return nil, errors.NotValidf("registration with empty host")
	}
	unsub, err := r.config.Hub.Subscribe(hostTopic(host),
		func(topic string, job Job, err error) {
			if err != nil {
				logger.Errorf("unmarshalling job on %q: %v", topic, err)
				return
			}
			handler(job)
		})
	if err != nil {
		return nil, errors.Annotatef(err, "subscribing %q", host)
	}

	r.mu.Lock()
	r.hosts[host] = true
	if cluster != "" {
		ring, ok := r.clusters[cluster]
		if !ok {
			ring = &memberRing{}
			r.clusters[cluster] = ring
		}
		ring.add(host)
	}
	r.mu.Unlock()
	logger.Debugf("registered worker %q (cluster %q)", host, cluster)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			r.mu.Lock()
			delete(r.hosts, host)
			if cluster != "" {
				if ring, ok := r.clusters[cluster]; ok {
					ring.remove(host)
					if ring.empty() {
						delete(r.clusters, cluster)
					}
				}
			}
			r.mu.Unlock()
		})
	}, nil
}

// Route resolves a target to its delivery channel. Resolution is
// cheap; liveness is re-checked on every Send so a channel can be held
// across topology changes.
func (r *Router) Route(target Target) (Channel, error) {
	if err := target.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	switch {
	case target.Broadcast:
		return &broadcastChannel{router: r}, nil
	case target.Cluster != "":
		return &clusterChannel{router: r, cluster: target.Cluster}, nil
	default:
		return &hostChannel{router: r, host: target.Host}, nil
	}
}

// Broadcast publishes a signal to all current subscribers,
// best-effort. Used for capability reports and cache invalidation
// only.
func (r *Router) Broadcast(ctx context.Context, signal Signal) error {
	done, err := r.config.Hub.Publish(BroadcastTopic, signal)
	if err != nil {
		return errors.Annotate(err, "broadcasting signal")
	}
	select {
	case <-pubsub.Wait(done):
	case <-ctx.Done():
	}
	return nil
}

// SubscribeBroadcast attaches a handler to the broadcast topic.
func (r *Router) SubscribeBroadcast(handler func(Signal)) (func(), error) {
	unsub, err := r.config.Hub.Subscribe(BroadcastTopic,
		func(topic string, signal Signal, err error) {
			if err != nil {
				logger.Errorf("unmarshalling broadcast signal: %v", err)
				return
			}
			handler(signal)
		})
	return unsub, errors.Trace(err)
}

func (r *Router) hostRegistered(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hosts[host]
}

// nextMember returns the next subscriber in the cluster's unicast
// ring, or "" when the cluster has none.
func (r *Router) nextMember(cluster string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.clusters[cluster]
	if !ok {
		return ""
	}
	return ring.next()
}
