package pubsub

import (
	"fmt"
	"strings"

	"github.com/backkem/sidecar/pkg/discovery"
)

// Kind identifies one of the service types used on the network.
//
// Kinds come in twin pairs that differ only in the least significant bit:
// a publisher's twin is its subscriber and an emitter's twin is its
// collector. Keep new pairs above KindRemoteController.
type Kind uint8

// Service kinds.
const (
	KindPublisher Kind = iota
	KindSubscriber
	KindRunnerStatusCollector
	KindRunnerStatusEmitter
	KindStateEmitter
	KindStateCollector
	KindRemoteController

	numKinds
)

var kindTypes = [numKinds]string{
	KindPublisher:             "_scPub._tcp",
	KindSubscriber:            "_scSub._tcp",
	KindRunnerStatusCollector: "_scRnrSC._udp",
	KindRunnerStatusEmitter:   "_scRnrSE._udp",
	KindStateEmitter:          "_scStateEmitter._udp",
	KindStateCollector:        "_scStateCollector._udp",
	KindRemoteController:      "_scRnrRC._tcp",
}

var kindNames = [numKinds]string{
	KindPublisher:             "publisher",
	KindSubscriber:            "subscriber",
	KindRunnerStatusCollector: "runner-status-collector",
	KindRunnerStatusEmitter:   "runner-status-emitter",
	KindStateEmitter:          "state-emitter",
	KindStateCollector:        "state-collector",
	KindRemoteController:      "remote-controller",
}

// IsValid reports whether k is a registered kind.
func (k Kind) IsValid() bool {
	return k < numKinds
}

// String returns the kind name.
func (k Kind) String() string {
	if !k.IsValid() {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// Type returns the DNS-SD service type of k, or "" for an unknown kind.
func (k Kind) Type() string {
	if !k.IsValid() {
		return ""
	}
	return kindTypes[k]
}

// Twin returns the counterpart of k.
func (k Kind) Twin() Kind {
	return k ^ 1
}

// MakeType returns the service type of k restricted to subType, e.g.
// "_scPub._tcp,_Video" for KindPublisher and "Video". A leading underscore
// on subType is optional. An empty subType yields the plain type.
func (k Kind) MakeType(subType string) (string, error) {
	if !k.IsValid() {
		return "", fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return MakeType(k.Type(), subType)
}

// MakeTwinType is MakeType for the twin of k.
func (k Kind) MakeTwinType(subType string) (string, error) {
	return k.Twin().MakeType(subType)
}

// MakeType appends subType to typ as a DNS-SD sub-type.
func MakeType(typ, subType string) (string, error) {
	if subType == "" {
		return typ, nil
	}
	if !strings.HasPrefix(subType, "_") {
		subType = "_" + subType
	}
	if len(subType) < 2 || strings.ContainsAny(subType, ",. ") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubType, subType)
	}

	full := typ + "," + subType
	if err := discovery.ValidateServiceType(full); err != nil {
		return "", err
	}
	return full, nil
}

// ParseKind returns the kind whose service type is the base of typ.
func ParseKind(typ string) (Kind, error) {
	base, _ := discovery.SplitServiceType(typ)
	base = strings.TrimSuffix(base, ".")
	for k, t := range kindTypes {
		if t == base {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, typ)
}

// KindByName returns the kind whose String is name.
func KindByName(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}
