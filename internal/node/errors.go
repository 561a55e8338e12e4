package node

import (
	"errors"

	"github.com/rudransh-shrivastava/peer-talk/internal/filetransfer"
)

var (
	ErrNegotiation = errors.New("negotiation failed")
	ErrCapture     = errors.New("media capture failed")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrInvalidKind = errors.New("invalid channel kind")

	ErrOfferCollision = errors.New("offer collided with a pending offer")

	ErrChannelNotOpen = filetransfer.ErrChannelNotOpen
	ErrSend           = filetransfer.ErrSend
)
