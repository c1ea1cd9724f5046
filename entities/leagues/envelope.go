package leagues

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
)

// Yahoo renders a collection as an object keyed "0".."n-1" plus "count",
// and a resource as an array of fragments: its metadata object first, then
// one object per sub-resource. A user's leagues therefore live at
// users.N.user[1].games.N.game[1].leagues.N.league[0].

// envelope is the fantasy_content wrapper. Collection calls fill Users;
// single-league calls fill League.
type envelope struct {
	Content struct {
		Users  json.RawMessage `json:"users"`
		League json.RawMessage `json:"league"`
	} `json:"fantasy_content"`
}

// leagues returns the metadata object of every league in the envelope.
func (e envelope) leagues() ([]json.RawMessage, error) {
	if present(e.Content.League) {
		meta, _, err := fragments(e.Content.League)
		if err != nil {
			return nil, fmt.Errorf("league: %w", err)
		}
		return []json.RawMessage{meta}, nil
	}
	if !present(e.Content.Users) {
		return nil, errors.New("fantasy_content has neither users nor league")
	}

	var out []json.RawMessage
	users, err := collection(e.Content.Users, "user")
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		_, subs, err := fragments(u)
		if err != nil {
			return nil, fmt.Errorf("user: %w", err)
		}
		games, err := collection(subs["games"], "game")
		if err != nil {
			return nil, err
		}
		for _, g := range games {
			_, subs, err := fragments(g)
			if err != nil {
				return nil, fmt.Errorf("game: %w", err)
			}
			leagues, err := collection(subs["leagues"], "league")
			if err != nil {
				return nil, err
			}
			for _, l := range leagues {
				meta, _, err := fragments(l)
				if err != nil {
					return nil, fmt.Errorf("league: %w", err)
				}
				out = append(out, meta)
			}
		}
	}
	return out, nil
}

// collection returns the name member of every indexed entry, in index
// order. An empty collection may also arrive as [].
func collection(raw json.RawMessage, name string) ([]json.RawMessage, error) {
	if !present(raw) {
		return nil, nil
	}
	if raw = bytes.TrimSpace(raw); raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%ss: %w", name, err)
		}
		if len(list) > 0 {
			return nil, fmt.Errorf("%ss: unexpected array with %d entries", name, len(list))
		}
		return nil, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%ss: %w", name, err)
	}
	var idx []int
	for k := range entries {
		if n, err := strconv.Atoi(k); err == nil {
			idx = append(idx, n)
		}
	}
	slices.Sort(idx)

	out := make([]json.RawMessage, 0, len(idx))
	for _, i := range idx {
		var entry map[string]json.RawMessage
		if err := json.Unmarshal(entries[strconv.Itoa(i)], &entry); err != nil {
			return nil, fmt.Errorf("%ss.%d: %w", name, i, err)
		}
		member, ok := entry[name]
		if !ok {
			return nil, fmt.Errorf("%ss.%d: no %s", name, i, name)
		}
		out = append(out, member)
	}
	return out, nil
}

// fragments splits a resource into its metadata and its sub-resources.
func fragments(raw json.RawMessage) (json.RawMessage, map[string]json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, nil, err
	}
	if len(parts) == 0 {
		return nil, nil, errors.New("empty resource")
	}
	subs := map[string]json.RawMessage{}
	for _, part := range parts[1:] {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(part, &m); err != nil {
			return nil, nil, err
		}
		for k, v := range m {
			subs[k] = v
		}
	}
	return parts[0], subs, nil
}

func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
