package domain

import "errors"

var ErrUnknownKind = errors.New("unknown media kind")

// Kind is the media type of a producer or consumer track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAudio:
		return KindAudio, nil
	case KindVideo:
		return KindVideo, nil
	}
	return "", ErrUnknownKind
}

func (k Kind) String() string { return string(k) }
