package telemetry

import (
	"sync"
	"time"

	"github.com/arclog/telemetry/internal/throttle"
)

var duplicateTopicThrottle = throttle.NewKeyed(10*time.Second, 1)

// Context is the binding scope that links channels to sinks and owns all
// subscription state. Channels and sinks registered on one Context
// are invisible to any other; most applications use GetDefaultContext, but
// libraries that must not share global state should call NewContext.
type Context struct {
	mu sync.Mutex

	channels        map[ChannelId]*RawChannel
	channelsByTopic map[string][]*RawChannel
	sinks           map[SinkId]Sink
	subs            *subscriptions
}

// NewContext constructs an independent context with no channels or sinks.
func NewContext() *Context {
	return &Context{
		channels:        make(map[ChannelId]*RawChannel),
		channelsByTopic: make(map[string][]*RawChannel),
		sinks:           make(map[SinkId]Sink),
		subs:            newSubscriptions(),
	}
}

var (
	defaultContext     *Context
	defaultContextOnce sync.Once
)

// GetDefaultContext returns the lazily-constructed process-wide context.
func GetDefaultContext() *Context {
	defaultContextOnce.Do(func() {
		defaultContext = NewContext()
	})
	return defaultContext
}

// ChannelBuilder starts building a new channel on this context.
func (ctx *Context) ChannelBuilder(topic string) *ChannelBuilder {
	return newChannelBuilder(topic, ctx)
}

// GetChannelByTopic returns the first-registered channel for a topic, or nil
// if none exists.
func (ctx *Context) GetChannelByTopic(topic string) *RawChannel {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	list := ctx.channelsByTopic[topic]
	if len(list) == 0 {
		return nil
	}
	return list[0]
}

// GetChannel looks up a channel by id, e.g. so a sink can validate a
// peer-supplied ChannelId before acting on it.
func (ctx *Context) GetChannel(id ChannelId) (*RawChannel, bool) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ch, ok := ctx.channels[id]
	return ch, ok
}

// addChannel inserts a channel, deduplicating against any existing matching
// channel. Returns the channel that should be
// used going forward: either ch itself, or a pre-existing match.
func (ctx *Context) addChannel(ch *RawChannel) *RawChannel {
	ctx.mu.Lock()

	for _, existing := range ctx.channels {
		if existing.matches(ch.topic, ch.messageEncoding, ch.schema, ch.metadata) {
			ctx.mu.Unlock()
			return existing
		}
	}

	if list := ctx.channelsByTopic[ch.topic]; len(list) > 0 {
		if duplicateTopicThrottle.Allow(ch.topic) {
			log.Warn().
				Str("topic", ch.topic).
				Msg("multiple channels registered for the same topic; first-registered wins for lookups")
		}
	}

	ch.ctx = ctx
	ctx.channels[ch.id] = ch
	ctx.channelsByTopic[ch.topic] = append(ctx.channelsByTopic[ch.topic], ch)

	sinksSnapshot := make([]Sink, 0, len(ctx.sinks))
	for _, sink := range ctx.sinks {
		sinksSnapshot = append(sinksSnapshot, sink)
		if ids := sink.OnChannelAdded(ch); len(ids) > 0 {
			ctx.subs.subscribeChannels(sink, ids)
		}
	}
	// Recompute using the authoritative subscription state (a sink may be
	// global, in which case OnChannelAdded's return value is ignored per
	// the Sink contract).
	ch.setSnapshot(ctx.subs.subscribersOf(ch.id))

	ctx.mu.Unlock()
	return ch
}

// RemoveChannel removes a channel from the context, notifies every sink,
// drops its subscriptions, and marks it closed. Idempotent.
func (ctx *Context) RemoveChannel(id ChannelId) {
	ctx.mu.Lock()
	ch, ok := ctx.channels[id]
	if !ok {
		ctx.mu.Unlock()
		return
	}
	delete(ctx.channels, id)
	if list := ctx.channelsByTopic[ch.topic]; len(list) > 0 {
		filtered := list[:0]
		for _, c := range list {
			if c.id != id {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) == 0 {
			delete(ctx.channelsByTopic, ch.topic)
		} else {
			ctx.channelsByTopic[ch.topic] = filtered
		}
	}
	ctx.subs.removeChannelSubscriptions(id)
	closedWarnThrottle.Forget(topicKey(id))
	sinksSnapshot := make([]Sink, 0, len(ctx.sinks))
	for _, sink := range ctx.sinks {
		sinksSnapshot = append(sinksSnapshot, sink)
	}
	ctx.mu.Unlock()

	for _, sink := range sinksSnapshot {
		sink.OnChannelRemoved(ch)
	}
	ch.closed.Store(true)
	ch.setSnapshot(nil)
}

// removeChannel is the unexported entry point RawChannel.Close uses.
func (ctx *Context) removeChannel(id ChannelId) {
	ctx.RemoveChannel(id)
}

// AddSink attaches a sink to the context. Returns false if the sink was
// already attached. If the sink auto-subscribes, it is installed as a
// global subscriber; otherwise OnChannelAdded's return value for each
// existing channel determines its initial per-channel subscriptions.
func (ctx *Context) AddSink(sink Sink) bool {
	ctx.mu.Lock()
	id := sink.Id()
	if _, exists := ctx.sinks[id]; exists {
		ctx.mu.Unlock()
		return false
	}
	ctx.sinks[id] = sink
	autoSubscribe := sink.AutoSubscribe()
	if autoSubscribe {
		ctx.subs.subscribeGlobal(sink)
	}

	// Notify the sink about every existing channel, batched. For a
	// dynamic sink, the returned channel ids become its initial
	// subscriptions; for an auto-subscribing sink the return value is
	// ignored since it already observes everything.
	affected := make([]ChannelId, 0, len(ctx.channels))
	var toSubscribe []ChannelId
	for _, ch := range ctx.channels {
		returned := sink.OnChannelAdded(ch)
		if !autoSubscribe {
			toSubscribe = append(toSubscribe, returned...)
		}
		affected = append(affected, ch.id)
	}
	if len(toSubscribe) > 0 {
		ctx.subs.subscribeChannels(sink, toSubscribe)
	}

	ctx.recomputeLocked(dedupChannelIds(affected))
	ctx.mu.Unlock()
	return true
}

// RemoveSink detaches a sink and all its subscriptions, recomputing every
// channel the sink observed.
func (ctx *Context) RemoveSink(id SinkId) {
	ctx.mu.Lock()
	if _, ok := ctx.sinks[id]; !ok {
		ctx.mu.Unlock()
		return
	}
	delete(ctx.sinks, id)
	ctx.subs.removeSubscriber(id)

	affected := make([]ChannelId, 0, len(ctx.channels))
	for chID := range ctx.channels {
		affected = append(affected, chID)
	}
	ctx.recomputeLocked(affected)
	ctx.mu.Unlock()
}

// SubscribeChannels subscribes a sink to the given channels. No-op if the
// sink has a global subscription.
func (ctx *Context) SubscribeChannels(sinkID SinkId, channelIds []ChannelId) {
	ctx.mu.Lock()
	sink, ok := ctx.sinks[sinkID]
	if !ok {
		ctx.mu.Unlock()
		return
	}
	ctx.subs.subscribeChannels(sink, channelIds)
	ctx.recomputeLocked(channelIds)
	ctx.mu.Unlock()
}

// UnsubscribeChannels unsubscribes a sink from the given channels. No-op if
// the sink has a global subscription.
func (ctx *Context) UnsubscribeChannels(sinkID SinkId, channelIds []ChannelId) {
	ctx.mu.Lock()
	ctx.subs.unsubscribeChannels(sinkID, channelIds)
	ctx.recomputeLocked(channelIds)
	ctx.mu.Unlock()
}

// recomputeLocked rebuilds the cached sink snapshot for each given channel
// from current subscription state, under ctx.mu.
func (ctx *Context) recomputeLocked(channelIds []ChannelId) {
	for _, chID := range channelIds {
		if ch, ok := ctx.channels[chID]; ok {
			ch.setSnapshot(ctx.subs.subscribersOf(chID))
		}
	}
}

// Close clears all channels (transitioning them to closed) and all sinks.
func (ctx *Context) Close() {
	ctx.mu.Lock()
	channels := make([]*RawChannel, 0, len(ctx.channels))
	for _, ch := range ctx.channels {
		channels = append(channels, ch)
	}
	ctx.channels = make(map[ChannelId]*RawChannel)
	ctx.channelsByTopic = make(map[string][]*RawChannel)
	ctx.sinks = make(map[SinkId]Sink)
	ctx.subs.clear()
	ctx.mu.Unlock()

	for _, ch := range channels {
		ch.closed.Store(true)
		ch.setSnapshot(nil)
	}
}

func dedupChannelIds(ids []ChannelId) []ChannelId {
	seen := make(map[ChannelId]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
