// Package models defines the data model shared by the sync engine, its
// collaborators and the persistence layer.
package models

import (
	"fmt"
	"strings"
)

// Platform names a social platform the engine mirrors between.
type Platform string

const (
	Twitter Platform = "twitter"
	Bluesky Platform = "bluesky"
)

// Platforms lists every supported platform.
func Platforms() []Platform {
	return []Platform{Twitter, Bluesky}
}

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Platforms() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Direction is an ordered (source, destination) platform pair.
type Direction struct {
	Source Platform
	Dest   Platform
}

func (d Direction) String() string {
	return string(d.Source) + "->" + string(d.Dest)
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	return Direction{Source: d.Dest, Dest: d.Source}
}

// Directions lists the directions processed by every run, in order.
func Directions() []Direction {
	return []Direction{
		{Source: Twitter, Dest: Bluesky},
		{Source: Bluesky, Dest: Twitter},
	}
}

// ParseDirection parses the "source->dest" form produced by String.
func ParseDirection(s string) (Direction, error) {
	src, dst, ok := strings.Cut(s, "->")
	if !ok {
		return Direction{}, fmt.Errorf("malformed direction %q", s)
	}
	source, err := ParsePlatform(src)
	if err != nil {
		return Direction{}, err
	}
	dest, err := ParsePlatform(dst)
	if err != nil {
		return Direction{}, err
	}
	if source == dest {
		return Direction{}, fmt.Errorf("direction %q has the same source and destination", s)
	}
	return Direction{Source: source, Dest: dest}, nil
}
