package wsserver

import (
	"sort"

	telemetry "github.com/arclog/telemetry"
)

// ConnectionGraph describes a topology of publishers, subscribers, and
// services for display in a visualization tool's topic-graph panel.
type ConnectionGraph struct {
	publishedTopics    map[string]map[string]struct{}
	subscribedTopics   map[string]map[string]struct{}
	advertisedServices map[string]map[string]struct{}

	subscribers map[telemetry.ClientId]struct{}
}

// NewConnectionGraph creates a new, empty connection graph.
func NewConnectionGraph() *ConnectionGraph {
	return &ConnectionGraph{
		publishedTopics:    make(map[string]map[string]struct{}),
		subscribedTopics:   make(map[string]map[string]struct{}),
		advertisedServices: make(map[string]map[string]struct{}),
		subscribers:        make(map[telemetry.ClientId]struct{}),
	}
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// SetPublishedTopic sets a published topic's publisher ids, overwriting any
// existing entry for that topic.
func (g *ConnectionGraph) SetPublishedTopic(topic string, publisherIDs []string) {
	g.publishedTopics[topic] = toSet(publisherIDs)
}

// SetSubscribedTopic sets a subscribed topic's subscriber ids, overwriting
// any existing entry for that topic.
func (g *ConnectionGraph) SetSubscribedTopic(topic string, subscriberIDs []string) {
	g.subscribedTopics[topic] = toSet(subscriberIDs)
}

// SetAdvertisedService sets an advertised service's provider ids,
// overwriting any existing entry for that service.
func (g *ConnectionGraph) SetAdvertisedService(service string, providerIDs []string) {
	g.advertisedServices[service] = toSet(providerIDs)
}

func (g *ConnectionGraph) addSubscriber(id telemetry.ClientId) bool {
	if _, ok := g.subscribers[id]; ok {
		return false
	}
	g.subscribers[id] = struct{}{}
	return true
}

func (g *ConnectionGraph) removeSubscriber(id telemetry.ClientId) bool {
	if _, ok := g.subscribers[id]; !ok {
		return false
	}
	delete(g.subscribers, id)
	return true
}

func (g *ConnectionGraph) hasSubscribers() bool { return len(g.subscribers) > 0 }

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedSet(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// diff computes the update needed to bring an observer watching g up to
// date with other.
func (g *ConnectionGraph) diff(other *ConnectionGraph) serverConnectionGraphUpdateMsg {
	update := serverConnectionGraphUpdateMsg{Op: "connectionGraphUpdate"}

	names := make([]string, 0, len(other.publishedTopics))
	for name := range other.publishedTopics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ids := other.publishedTopics[name]
		if existing, ok := g.publishedTopics[name]; ok && setEqual(existing, ids) {
			continue
		}
		update.PublishedTopics = append(update.PublishedTopics, publishedTopicEntry{Name: name, PublisherIds: sortedSet(ids)})
	}

	names = names[:0]
	for name := range other.subscribedTopics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ids := other.subscribedTopics[name]
		if existing, ok := g.subscribedTopics[name]; ok && setEqual(existing, ids) {
			continue
		}
		update.SubscribedTopics = append(update.SubscribedTopics, subscribedTopicEntry{Name: name, SubscriberIds: sortedSet(ids)})
	}

	names = names[:0]
	for name := range other.advertisedServices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ids := other.advertisedServices[name]
		if existing, ok := g.advertisedServices[name]; ok && setEqual(existing, ids) {
			continue
		}
		update.AdvertisedServices = append(update.AdvertisedServices, serviceEntry{Name: name, Providers: sortedSet(ids)})
	}

	for name := range g.advertisedServices {
		if _, ok := other.advertisedServices[name]; !ok {
			update.RemovedServices = append(update.RemovedServices, name)
		}
	}
	sort.Strings(update.RemovedServices)

	removedTopics := make(map[string]struct{})
	for name := range g.publishedTopics {
		if _, ok := other.publishedTopics[name]; ok {
			continue
		}
		if _, ok := other.subscribedTopics[name]; ok {
			continue
		}
		removedTopics[name] = struct{}{}
	}
	for name := range g.subscribedTopics {
		if _, ok := other.publishedTopics[name]; ok {
			continue
		}
		if _, ok := other.subscribedTopics[name]; ok {
			continue
		}
		removedTopics[name] = struct{}{}
	}
	update.RemovedTopics = sortedSet(removedTopics)

	return update
}

// asInitialUpdate returns the update describing g as seen by a brand-new
// subscriber (a diff against an empty graph).
func (g *ConnectionGraph) asInitialUpdate() serverConnectionGraphUpdateMsg {
	empty := NewConnectionGraph()
	return empty.diff(g)
}

// update replaces the graph's content (the subscriber set is untouched) and
// returns the delta update to broadcast to existing subscribers.
func (g *ConnectionGraph) update(next *ConnectionGraph) serverConnectionGraphUpdateMsg {
	diff := g.diff(next)
	g.publishedTopics = next.publishedTopics
	g.subscribedTopics = next.subscribedTopics
	g.advertisedServices = next.advertisedServices
	return diff
}
