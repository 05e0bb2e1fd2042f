package telemetry_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	telemetry "github.com/arclog/telemetry"
)

type recordingSink struct {
	id    telemetry.SinkId
	auto  bool
	added []telemetry.ChannelId
	logs  []string
}

func newRecordingSink(auto bool) *recordingSink {
	return &recordingSink{id: telemetry.NewSinkId(), auto: auto}
}

func (s *recordingSink) Id() telemetry.SinkId    { return s.id }
func (s *recordingSink) AutoSubscribe() bool     { return s.auto }
func (s *recordingSink) OnChannelAdded(ch *telemetry.RawChannel) []telemetry.ChannelId {
	s.added = append(s.added, ch.Id())
	return nil
}
func (s *recordingSink) OnChannelRemoved(ch *telemetry.RawChannel) {}
func (s *recordingSink) Log(ch *telemetry.RawChannel, data []byte, meta telemetry.Metadata) error {
	s.logs = append(s.logs, ch.Topic())
	return nil
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestContext_AutoSubscribeSinkReceivesExistingAndNewChannels(t *testing.T) {
	ctx := telemetry.NewContext()
	ch1, err := ctx.ChannelBuilder("/a").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)

	sink := newRecordingSink(true)
	require.True(t, ctx.AddSink(sink))
	assert.ElementsMatch(t, []telemetry.ChannelId{ch1.Id()}, sink.added)

	ch2, err := ctx.ChannelBuilder("/b").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)

	ch1.Log([]byte("x"), telemetry.PartialMetadata{}, 0)
	ch2.Log([]byte("y"), telemetry.PartialMetadata{}, 0)
	assert.ElementsMatch(t, []string{"/a", "/b"}, sink.logs)
}

func TestContext_DuplicateChannelIsReused(t *testing.T) {
	ctx := telemetry.NewContext()
	a, err := ctx.ChannelBuilder("/dup").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)
	b, err := ctx.ChannelBuilder("/dup").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)
	assert.Equal(t, a.Id(), b.Id())
}

func TestContext_RemoveChannelStopsDelivery(t *testing.T) {
	ctx := telemetry.NewContext()
	ch, err := ctx.ChannelBuilder("/c").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)
	sink := newRecordingSink(true)
	ctx.AddSink(sink)

	ctx.RemoveChannel(ch.Id())
	assert.True(t, ch.Closed())

	ch.Log([]byte("x"), telemetry.PartialMetadata{}, 0)
	assert.Empty(t, sink.logs)
}

func TestContext_NonAutoSubscribeSinkRequiresExplicitSubscription(t *testing.T) {
	ctx := telemetry.NewContext()
	ch, err := ctx.ChannelBuilder("/d").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)

	sink := newRecordingSink(false)
	ctx.AddSink(sink)
	ch.Log([]byte("x"), telemetry.PartialMetadata{}, 0)
	assert.Empty(t, sink.logs)

	ctx.SubscribeChannels(sink.Id(), []telemetry.ChannelId{ch.Id()})
	ch.Log([]byte("x"), telemetry.PartialMetadata{}, 0)
	assert.Equal(t, []string{"/d"}, sink.logs)
}

func TestContext_DuplicateTopicFirstRegisteredWins(t *testing.T) {
	ctx := telemetry.NewContext()
	first, err := ctx.ChannelBuilder("/dupe").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)
	second, err := ctx.ChannelBuilder("/dupe").MessageEncoding("cbor").BuildRaw()
	require.NoError(t, err)

	// Different encodings mean different channels; both coexist.
	require.NotEqual(t, first.Id(), second.Id())
	assert.Equal(t, first.Id(), ctx.GetChannelByTopic("/dupe").Id())

	ctx.RemoveChannel(first.Id())
	assert.Equal(t, second.Id(), ctx.GetChannelByTopic("/dupe").Id())

	ctx.RemoveChannel(second.Id())
	assert.Nil(t, ctx.GetChannelByTopic("/dupe"))
}

func TestContext_SubscribeUnsubscribePairsNetOut(t *testing.T) {
	ctx := telemetry.NewContext()
	ch, err := ctx.ChannelBuilder("/toggle").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)
	sink := newRecordingSink(false)
	ctx.AddSink(sink)

	ids := []telemetry.ChannelId{ch.Id()}
	for i := 0; i < 3; i++ {
		ctx.SubscribeChannels(sink.Id(), ids)
		assert.True(t, ch.HasSinks())
		ctx.UnsubscribeChannels(sink.Id(), ids)
		assert.False(t, ch.HasSinks())
	}

	ctx.SubscribeChannels(sink.Id(), ids)
	assert.True(t, ch.HasSinks())
}

func TestContext_RemoveSinkDropsSubscriptions(t *testing.T) {
	ctx := telemetry.NewContext()
	ch, err := ctx.ChannelBuilder("/gone").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)
	sink := newRecordingSink(false)
	ctx.AddSink(sink)
	ctx.SubscribeChannels(sink.Id(), []telemetry.ChannelId{ch.Id()})
	require.True(t, ch.HasSinks())

	ctx.RemoveSink(sink.Id())
	assert.False(t, ch.HasSinks())

	ch.Log([]byte("x"), telemetry.PartialMetadata{}, 0)
	assert.Empty(t, sink.logs)
}

func TestRawChannel_TargetedLogReachesOnlyThatSink(t *testing.T) {
	ctx := telemetry.NewContext()
	ch, err := ctx.ChannelBuilder("/target").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)
	a := newRecordingSink(true)
	b := newRecordingSink(true)
	ctx.AddSink(a)
	ctx.AddSink(b)

	ch.Log([]byte("x"), telemetry.PartialMetadata{}, a.Id())
	assert.Len(t, a.logs, 1)
	assert.Empty(t, b.logs)

	ch.Log([]byte("x"), telemetry.PartialMetadata{}, 0)
	assert.Len(t, a.logs, 2)
	assert.Len(t, b.logs, 1)
}

func TestContext_CloseClosesChannelsAndDropsSinks(t *testing.T) {
	ctx := telemetry.NewContext()
	ch, err := ctx.ChannelBuilder("/closing").MessageEncoding("json").BuildRaw()
	require.NoError(t, err)
	sink := newRecordingSink(true)
	ctx.AddSink(sink)

	ctx.Close()
	assert.True(t, ch.Closed())

	ch.Log([]byte("x"), telemetry.PartialMetadata{}, 0)
	assert.Empty(t, sink.logs)
}

func TestChannel_TypedLogEncodesThroughEncoder(t *testing.T) {
	ctx := telemetry.NewContext()
	sink := newRecordingSink(true)
	ctx.AddSink(sink)

	enc := telemetry.EncoderFunc[string](func(buf *bytes.Buffer, value string) error {
		_, err := buf.WriteString(value)
		return err
	})
	ch, err := telemetry.Build[string](ctx.ChannelBuilder("/typed").MessageEncoding("json"), enc)
	require.NoError(t, err)

	require.NoError(t, ch.Log("hello", telemetry.PartialMetadata{}))
	assert.Equal(t, []string{"/typed"}, sink.logs)
}

func TestChannel_TypedLogEncodeFailureSurfaces(t *testing.T) {
	ctx := telemetry.NewContext()
	enc := telemetry.EncoderFunc[int](func(buf *bytes.Buffer, value int) error {
		return errors.New("boom")
	})
	ch, err := telemetry.Build[int](ctx.ChannelBuilder("/broken").MessageEncoding("json"), enc)
	require.NoError(t, err)

	err = ch.Log(1, telemetry.PartialMetadata{})
	require.Error(t, err)
	var telErr *telemetry.Error
	require.ErrorAs(t, err, &telErr)
	assert.Equal(t, telemetry.KindEncode, telErr.Kind)
}

func TestChannelBuilder_RequiresEncodingAndSchema(t *testing.T) {
	ctx := telemetry.NewContext()
	_, err := ctx.ChannelBuilder("/noenc").BuildRaw()
	require.Error(t, err)

	_, err = ctx.ChannelBuilder("/needsschema").MessageEncoding("protobuf").BuildRaw()
	require.Error(t, err)

	_, err = ctx.ChannelBuilder("/withschema").MessageEncoding("protobuf").
		Schema(telemetry.Schema{Name: "pkg.Msg", Encoding: "protobuf", Data: []byte{1}}).
		BuildRaw()
	require.NoError(t, err)
}
