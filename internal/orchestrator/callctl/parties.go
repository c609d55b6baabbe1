package callctl

import (
	"context"
	"fmt"
	"strings"
)

// IsTrunk reports whether an address matches one of the configured
// trunk/system prefixes. Trunk legs are never treated as a call's far end.
func IsTrunk(address string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(address, prefix) {
			return true
		}
	}
	return false
}

// OtherParty identifies the far end of a call from the initiator's point of
// view: the first CONNECTED participant that is neither the initiator nor a
// trunk address.
func OtherParty(ctx context.Context, p Provider, call CallRef, initiator string, trunkPrefixes []string) (string, error) {
	parts, err := p.Participants(ctx, call)
	if err != nil {
		return "", err
	}
	for _, pt := range parts {
		if pt.Extension == initiator || IsTrunk(pt.Extension, trunkPrefixes) {
			continue
		}
		if pt.State == ConnConnected {
			return pt.Extension, nil
		}
	}
	return "", fmt.Errorf("no connected far end on call: %w", ErrParticipantNotFound)
}

// HasConnectedParty reports whether any connection on the call is CONNECTED.
func HasConnectedParty(ctx context.Context, p Provider, call CallRef) (bool, error) {
	parts, err := p.Participants(ctx, call)
	if err != nil {
		return false, err
	}
	for _, pt := range parts {
		if pt.State == ConnConnected {
			return true, nil
		}
	}
	return false, nil
}

// FindParticipant returns the connection entry for one extension on a call.
func FindParticipant(ctx context.Context, p Provider, call CallRef, extension string) (Participant, error) {
	parts, err := p.Participants(ctx, call)
	if err != nil {
		return Participant{}, err
	}
	for _, pt := range parts {
		if pt.Extension == extension {
			return pt, nil
		}
	}
	return Participant{}, fmt.Errorf("%s not on call: %w", extension, ErrParticipantNotFound)
}
