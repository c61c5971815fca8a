// Package discord bridges a Discord voice channel to an [upstream.Session],
// so a Duplexion dialog can be driven by channel participants instead of a
// raw browser WebSocket.
//
// It is a pure ingress/egress adapter: mic PCM demuxed per-participant by
// the pkg/audio/discord connection is downmixed to the 16 kHz mono format
// the upstream backends expect and handed to
// [upstream.Session.SendClientAudio]; synthesized audio coming back out of
// the session is rendered through a [player.Player] (giving
// barge-in/supersede the same crossfaded-join treatment a browser client
// gets) and re-encoded to Discord's 48 kHz stereo Opus format.
package discord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/liveproxy/duplexion/internal/config"
	"github.com/liveproxy/duplexion/internal/segment"
	"github.com/liveproxy/duplexion/internal/upstream"
	"github.com/liveproxy/duplexion/pkg/audio"
	"github.com/liveproxy/duplexion/pkg/dsp"
	"github.com/liveproxy/duplexion/pkg/player"
)

// clientSampleRate is the PCM rate the upstream providers expect for
// client-originated audio (see internal/upstream/gemini's setup envelope).
const clientSampleRate = 16000

// upstreamAudioRate is the PCM rate the upstream session's own synthesized
// audio chunks arrive at; it drives the player's render rate.
const upstreamAudioRate = 24000

// renderTick is the cadence at which the egress leg pulls samples out of
// the player, matching Discord's 20ms Opus frame size.
const renderTick = 20 * time.Millisecond

// Bridge owns one Discord voice connection's ingress/egress lifecycle for a
// single [upstream.Session].
type Bridge struct {
	conn    audio.Connection
	session *upstream.Session
	play    *player.Player

	mu          sync.Mutex
	epoch       int
	ingressSeen map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// Join connects to channelID on platform and starts bridging audio between
// the resulting voice connection and sess. Call [Bridge.Close] to tear
// everything down.
func Join(ctx context.Context, platform audio.Platform, channelID string, sess *upstream.Session, playerCfg config.PlayerConfig) (*Bridge, error) {
	conn, err := platform.Connect(ctx, channelID)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		conn:        conn,
		session:     sess,
		play:        player.New(toPlayerConfig(playerCfg)),
		ingressSeen: make(map[string]struct{}),
		done:        make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	conn.OnParticipantChange(func(ev audio.Event) {
		if ev.Type == audio.EventJoin {
			b.attachNewIngressStreams(runCtx)
		}
	})
	b.attachNewIngressStreams(runCtx)

	go b.pumpSessionOutbound(runCtx)
	go b.pumpEgressRender(runCtx)

	go func() {
		<-runCtx.Done()
		close(b.done)
	}()

	return b, nil
}

// toPlayerConfig adapts the YAML-facing player knobs to [player.Config],
// pinning the sample rate to upstreamAudioRate regardless of what's
// configured: the session's synthesized audio always arrives at that rate,
// and the player has to match it to render correctly.
func toPlayerConfig(c config.PlayerConfig) player.Config {
	return player.Config{
		SampleRate:          upstreamAudioRate,
		InitialQueueMs:      c.InitialQueueMs,
		StartLeadMs:         c.StartLeadMs,
		TrimGraceMs:         c.TrimGraceMs,
		SentencePauseMs:     c.SentencePauseMs,
		ArmSupersedeQuietMs: c.ArmSupersedeQuietMs,
		MaxBufferMs:         c.MaxBufferMs,
	}
}

// Close tears down the Discord voice connection and stops every bridge
// goroutine.
func (b *Bridge) Close() error {
	b.cancel()
	<-b.done
	return b.conn.Disconnect()
}

// attachNewIngressStreams spawns a decode-and-forward goroutine for every
// participant input stream that doesn't already have one.
func (b *Bridge) attachNewIngressStreams(ctx context.Context) {
	for id, ch := range b.conn.InputStreams() {
		b.mu.Lock()
		_, seen := b.ingressSeen[id]
		if !seen {
			b.ingressSeen[id] = struct{}{}
		}
		b.mu.Unlock()
		if seen {
			continue
		}
		go b.pumpIngress(ctx, ch)
	}
}

// pumpIngress downmixes one participant's Discord-format frames to 16 kHz
// mono and forwards them into the upstream session.
func (b *Bridge) pumpIngress(ctx context.Context, in <-chan audio.AudioFrame) {
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: clientSampleRate, Channels: 1}}
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			out := conv.Convert(frame)
			if len(out.Data) == 0 {
				continue
			}
			b.session.SendClientAudio(out.Data)
		}
	}
}

// pumpSessionOutbound drains the upstream session's outbound events,
// feeding synthesized audio into the player and advancing its epoch at
// every turn boundary so a new turn's audio supersedes whatever the
// previous one left queued.
func (b *Bridge) pumpSessionOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.session.Outbound():
			if !ok {
				return
			}
			switch ev.Kind {
			case upstream.OutboundAudio:
				b.mu.Lock()
				epoch := b.epoch
				b.mu.Unlock()
				b.play.Push(ev.Audio, epoch)
			case upstream.OutboundSegment:
				if ev.Segment.Kind == segment.EventTurnCommit {
					b.mu.Lock()
					b.epoch++
					epoch := b.epoch
					b.mu.Unlock()
					b.play.Epoch(epoch, time.Now())
				}
			case upstream.OutboundClosed:
				slog.Info("discord bridge: upstream session closed", "code", ev.CloseCode, "reason", ev.CloseReason)
				return
			}
		}
	}
}

// pumpEgressRender pulls rendered float32 samples out of the player at a
// fixed tick, converts them back to Discord's 48 kHz stereo PCM16 format,
// and writes them to the voice connection's output stream.
func (b *Bridge) pumpEgressRender(ctx context.Context) {
	ticker := time.NewTicker(renderTick)
	defer ticker.Stop()

	samplesPerTick := int(upstreamAudioRate * renderTick / time.Second)
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	out := b.conn.OutputStream()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples := b.play.Render(samplesPerTick)
			pcm := dsp.Float32ToPCM16(samples)
			frame := conv.Convert(audio.AudioFrame{
				Data:       pcm,
				SampleRate: upstreamAudioRate,
				Channels:   1,
			})
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			default:
				// Output channel full: drop this tick's frame rather than
				// block the render loop.
			}
		}
	}
}
