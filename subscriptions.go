package telemetry

// subscriptions tracks which sinks receive which channels. A sink is
// either a global subscriber (receives every channel) or holds explicit
// per-channel subscriptions, never both at once; installing a global
// subscription removes any existing per-channel entries for that sink.
//
// The two-map shape keeps that invariant trivially checkable. Lock-free
// reads live one level up: Context rebuilds each channel's subscriber
// snapshot from these maps whenever they change (see
// Context.recomputeLocked), so nothing on the publish path reads them.
type subscriptions struct {
	global    map[SinkId]Sink
	byChannel map[ChannelId]map[SinkId]Sink
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		global:    make(map[SinkId]Sink),
		byChannel: make(map[ChannelId]map[SinkId]Sink),
	}
}

// clear removes all subscriptions.
func (s *subscriptions) clear() {
	s.global = make(map[SinkId]Sink)
	s.byChannel = make(map[ChannelId]map[SinkId]Sink)
}

// subscribeGlobal adds a global (all-channels) subscription, removing any
// existing per-channel subscriptions for this sink. Returns false if the
// sink already had a global subscription.
func (s *subscriptions) subscribeGlobal(sink Sink) bool {
	id := sink.Id()
	if _, exists := s.global[id]; exists {
		return false
	}
	s.global[id] = sink
	for chID, subs := range s.byChannel {
		delete(subs, id)
		if len(subs) == 0 {
			delete(s.byChannel, chID)
		}
	}
	return true
}

// subscribeChannels adds subscriptions to the given channel ids. No-op
// (returns false) if the sink already has a global subscription. Returns
// true iff at least one new subscription was added.
func (s *subscriptions) subscribeChannels(sink Sink, channelIds []ChannelId) bool {
	id := sink.Id()
	if _, global := s.global[id]; global {
		return false
	}
	inserted := false
	for _, chID := range channelIds {
		subs, ok := s.byChannel[chID]
		if !ok {
			subs = make(map[SinkId]Sink)
			s.byChannel[chID] = subs
		}
		if _, already := subs[id]; !already {
			subs[id] = sink
			inserted = true
		}
	}
	return inserted
}

// unsubscribeChannels removes subscriptions to the given channel ids. No-op
// if the sink has a global subscription. Returns true iff at least one
// subscription was removed.
func (s *subscriptions) unsubscribeChannels(sinkID SinkId, channelIds []ChannelId) bool {
	removed := false
	for _, chID := range channelIds {
		subs, ok := s.byChannel[chID]
		if !ok {
			continue
		}
		if _, present := subs[sinkID]; present {
			delete(subs, sinkID)
			removed = true
			if len(subs) == 0 {
				delete(s.byChannel, chID)
			}
		}
	}
	return removed
}

// removeChannelSubscriptions drops every per-channel subscription for one
// channel (called when the channel itself is removed). Returns true if
// there was anything to remove.
func (s *subscriptions) removeChannelSubscriptions(chID ChannelId) bool {
	if _, ok := s.byChannel[chID]; !ok {
		return false
	}
	delete(s.byChannel, chID)
	return true
}

// removeSubscriber drops all subscriptions (global or per-channel) for one
// sink (called when the sink is removed). Returns true if there was
// anything to remove.
func (s *subscriptions) removeSubscriber(sinkID SinkId) bool {
	if _, ok := s.global[sinkID]; ok {
		delete(s.global, sinkID)
		return true
	}
	removed := false
	for chID, subs := range s.byChannel {
		if _, present := subs[sinkID]; present {
			delete(subs, sinkID)
			removed = true
			if len(subs) == 0 {
				delete(s.byChannel, chID)
			}
		}
	}
	return removed
}

// subscribersOf returns the set of sinks subscribed to a channel: the union
// of global subscribers and this channel's explicit subscribers.
func (s *subscriptions) subscribersOf(chID ChannelId) []Sink {
	out := make([]Sink, 0, len(s.global)+len(s.byChannel[chID]))
	for _, sink := range s.global {
		out = append(out, sink)
	}
	for _, sink := range s.byChannel[chID] {
		out = append(out, sink)
	}
	return out
}
