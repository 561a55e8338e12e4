package node

import (
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/peer-talk/internal/filetransfer"
	"github.com/rudransh-shrivastava/peer-talk/internal/peer"
	"github.com/rudransh-shrivastava/peer-talk/internal/protocol"
	"github.com/rudransh-shrivastava/peer-talk/internal/store"
	"github.com/sirupsen/logrus"
)

// SendFile queues data for name and returns the file id. Files are sent one
// at a time in the order they were queued.
func (n *Node) SendFile(name, fileName string, data []byte) (string, error) {
	return callValue(n, func() (string, error) {
		f := filetransfer.NewFile(fileName, data)
		p := n.peers.Create(name)
		if err := n.beginOutbound(p, f); err != nil {
			return "", err
		}
		p.Files.Push(f)
		return f.ID, n.scheduleFiles(p)
	})
}

// ResendFile queues a failed outbound file again.
func (n *Node) ResendFile(name, fileID string) error {
	return n.call(func() error {
		p, ok := n.peers.Get(name)
		if !ok {
			return ErrUnknownPeer
		}
		f, ok := p.FailedFiles[fileID]
		if !ok {
			return fmt.Errorf("no failed file %s for %s: %w", fileID, name, store.ErrNotFound)
		}
		delete(p.FailedFiles, fileID)
		if err := n.beginOutbound(p, f); err != nil {
			return err
		}
		p.Files.Push(f)
		return n.scheduleFiles(p)
	})
}

// Transfers lists the transfer records kept for name.
func (n *Node) Transfers(name string) ([]store.TransferRecord, error) {
	return callValue(n, func() ([]store.TransferRecord, error) {
		return n.transfers.List(name)
	})
}

// DeleteTransfer forgets a transfer record and any file retained for resend.
func (n *Node) DeleteTransfer(name string, dir store.Direction, fileID string) error {
	return n.call(func() error {
		if p, ok := n.peers.Get(name); ok && dir == store.Sent {
			delete(p.FailedFiles, fileID)
		}
		return n.transfers.Delete(name, dir, fileID)
	})
}

func (n *Node) beginOutbound(p *peer.Context, f *filetransfer.File) error {
	_, err := n.transfers.Begin(&store.TransferRecord{
		ContentType:   f.ContentType,
		Direction:     store.Sent,
		FileID:        f.ID,
		FileName:      f.Name,
		FragmentCount: n.files.CalculateTotalChunks(f.Size()),
		IsFragmented:  f.Size() >= int64(n.files.SmallFileThreshold),
		Peer:          p.Name,
		Size:          f.Size(),
		StartedAt:     n.now(),
	})
	return err
}

// scheduleFiles starts the worker when the file channel is open and opens
// the channel when it is not.
func (n *Node) scheduleFiles(p *peer.Context) error {
	ch := p.Channel(protocol.KindFile)
	switch ch.State {
	case peer.Connected:
		n.startFileWorker(p)
		return nil
	case peer.Connecting:
		return nil
	default:
		return n.openChannel(p, protocol.KindFile)
	}
}

// startFileWorker sends the next queued file on a goroutine. Progress and
// completion are posted back to the loop.
func (n *Node) startFileWorker(p *peer.Context) {
	if p.SendingFiles || !p.ChannelConnected(protocol.KindFile) {
		return
	}
	f, ok := p.Files.Pop()
	if !ok {
		return
	}

	p.SendingFiles = true
	dc := p.Channel(protocol.KindFile).Channel
	sender := filetransfer.NewSender(n.files, n.name, p.Name)
	ctx, name := n.ctx, p.Name

	n.log(p).WithFields(logrus.Fields{"file": f.Name, "size": f.Size()}).Info("Sending file")

	go func() {
		err := sender.Send(ctx, dc, f, func(pr filetransfer.Progress) {
			n.post(func() { n.onFileProgress(name, f, pr) })
		})
		n.post(func() { n.onFileDone(name, f, err) })
	}()
}

func (n *Node) onFileProgress(name string, f *filetransfer.File, pr filetransfer.Progress) {
	p, ok := n.peers.Get(name)
	if !ok {
		return
	}
	if ch, ok := p.LookupChannel(protocol.KindFile); ok {
		ch.Touch(n.now())
	}
	if err := n.transfers.Progress(name, store.Sent, f.ID, pr.Offset, n.now()); err != nil {
		n.log(p).Debugf("Failed to record progress: %v", err)
	}
	n.emit(TransferProgress{
		Direction: store.Sent,
		FileID:    f.ID,
		FileName:  f.Name,
		Offset:    pr.Offset,
		Peer:      name,
		Total:     pr.Total,
	})
}

// onFileDone finishes one outbound file. A failure keeps the file for
// ResendFile and stops the queue until the channel is reopened.
func (n *Node) onFileDone(name string, f *filetransfer.File, err error) {
	p, ok := n.peers.Get(name)
	if !ok {
		return
	}
	p.SendingFiles = false

	if err != nil {
		n.log(p).WithField("file", f.Name).Errorf("File transfer failed: %v", err)
		if ferr := n.transfers.Fail(name, store.Sent, f.ID, true); ferr != nil && !errors.Is(ferr, store.ErrNotFound) {
			n.log(p).Debugf("Failed to record failure: %v", ferr)
		}
		p.FailedFiles[f.ID] = f
		n.emit(FileShareError{Err: err, FileID: f.ID, FileName: f.Name, Peer: name})
		return
	}

	if cerr := n.transfers.Complete(name, store.Sent, f.ID, n.now()); cerr != nil {
		n.log(p).Debugf("Failed to record completion: %v", cerr)
	}
	n.emit(TransferCompleted{
		ContentType: f.ContentType,
		Direction:   store.Sent,
		FileID:      f.ID,
		FileName:    f.Name,
		Peer:        name,
	})
	n.startFileWorker(p)
}

func (n *Node) receiver(name string) *filetransfer.Receiver {
	rx, ok := n.receivers[name]
	if !ok {
		rx = filetransfer.NewReceiver()
		n.receivers[name] = rx
	}
	return rx
}

// handleFragment applies one inbound file fragment from p.
func (n *Node) handleFragment(p *peer.Context, data []byte) {
	frag, err := protocol.DecodeFragment(data)
	if err != nil {
		n.log(p).Warnf("Dropping fragment: %v", err)
		return
	}
	n.emit(FragmentReceived{ChunkType: frag.ChunkType, FileID: frag.FileID, Peer: p.Name})

	res, err := n.receiver(p.Name).Handle(frag)
	if err != nil {
		n.log(p).WithField("file", frag.FileName).Errorf("Failed to reassemble file: %v", err)
		if ferr := n.transfers.Fail(p.Name, store.Received, frag.FileID, false); ferr != nil {
			n.log(p).Debugf("Failed to record failure: %v", ferr)
		}
		n.emit(FileShareError{Err: err, FileID: frag.FileID, FileName: frag.FileName, Peer: p.Name})
		return
	}
	if res == nil {
		return
	}

	now := n.now()
	switch frag.ChunkType {
	case protocol.ChunkStart:
		_, err = n.transfers.Begin(&store.TransferRecord{
			ContentType:   res.ContentType,
			Direction:     store.Received,
			FileID:        res.FileID,
			FileName:      res.FileName,
			FragmentCount: res.FragmentCount,
			IsFragmented:  res.FileSize >= int64(n.files.SmallFileThreshold),
			Peer:          p.Name,
			Size:          res.FileSize,
			StartedAt:     now,
		})
	case protocol.ChunkIntermediate:
		err = n.transfers.Progress(p.Name, store.Received, res.FileID, res.Fragments, now)
	}
	if err != nil {
		n.log(p).Debugf("Failed to record inbound transfer: %v", err)
	}

	n.emit(TransferProgress{
		Direction: store.Received,
		FileID:    res.FileID,
		FileName:  res.FileName,
		Offset:    res.Fragments,
		Peer:      p.Name,
		Total:     res.FragmentCount,
	})

	if !res.IsComplete {
		return
	}
	if err := n.transfers.Complete(p.Name, store.Received, res.FileID, now); err != nil {
		n.log(p).Debugf("Failed to record completion: %v", err)
	}
	n.log(p).WithFields(logrus.Fields{"file": res.FileName, "size": len(res.Data)}).Info("File received")
	n.emit(TransferCompleted{
		ContentType: res.ContentType,
		Data:        res.Data,
		Direction:   store.Received,
		FileID:      res.FileID,
		FileName:    res.FileName,
		Peer:        p.Name,
	})
}
