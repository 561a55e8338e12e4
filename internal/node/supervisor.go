package node

import (
	"time"

	"github.com/rudransh-shrivastava/peer-talk/internal/peer"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
)

// startIdleJob arms the recurring idle check of a data channel.
func (n *Node) startIdleJob(p *peer.Context, kind protocol.ChannelKind) {
	ch := p.Channel(kind)
	if ch.IdleJob != nil {
		ch.IdleJob.Stop()
	}
	name := p.Name
	var job *recurring
	job = n.every(n.config.IdleInterval, func() {
		p, ok := n.peers.Get(name)
		if !ok {
			job.Stop()
			return
		}
		ch, ok := p.LookupChannel(kind)
		if !ok || ch.IdleJob != job || ch.State != peer.Connected {
			job.Stop()
			return
		}
		n.sweepChannel(p, kind)
	})
	ch.IdleJob = job
}

// sweepChannel closes kind when nothing is buffered and it has been idle
// longer than the configured timeout. A file channel is kept while the
// worker is sending.
func (n *Node) sweepChannel(p *peer.Context, kind protocol.ChannelKind) bool {
	ch, ok := p.LookupChannel(kind)
	if !ok || ch.State != peer.Connected || ch.Channel == nil {
		return false
	}
	if kind == protocol.KindFile && p.SendingFiles {
		return false
	}
	if ch.Channel.BufferedAmount() > 0 {
		return false
	}
	idle := n.now().Sub(ch.LastUsedAt)
	if idle <= n.config.IdleTimeout {
		return false
	}

	n.log(p).WithField("kind", kind).Infof("Closing channel idle for %s", idle.Round(time.Second))
	n.closeChannel(p, kind)
	return true
}

// SweepIdle runs one idle check over every data channel of every peer and
// returns the number of channels closed.
func (n *Node) SweepIdle() int {
	closed, _ := callValue(n, func() (int, error) {
		count := 0
		n.peers.Each(func(p *peer.Context) {
			for _, kind := range protocol.DataKinds {
				if n.sweepChannel(p, kind) {
					count++
				}
			}
		})
		return count, nil
	})
	return closed
}
