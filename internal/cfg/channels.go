package cfg

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

// PrimaryChannel is the whole-system channel backed by the default view.
const PrimaryChannel = "DoV"

// Channel is a named group of repositories exported and imported together.
type Channel struct {
	Name  string   `yaml:"name"`
	Repos []string `yaml:"repos"`
}

// Primary reports whether the channel exports the default view as a whole.
func (c Channel) Primary() bool { return c.Name == PrimaryChannel }

type channelsFile struct {
	Exports map[string]Channel `yaml:"exports"`
}

// Channels indexes channel definitions by name.
type Channels map[string]Channel

// LoadChannels reads a channels file of the form
//
//	exports:
//	  rhel:
//	    name: rhel
//	    repos: [rhel-8-for-x86_64-baseos-rpms, ...]
//
// The primary channel is always present even when not listed.
func LoadChannels(path string) (Channels, error) {
	out := Channels{PrimaryChannel: {Name: PrimaryChannel}}
	if path == "" {
		return out, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "read channels file %s", path)
	}
	var f channelsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, xerrors.Wrapf(err, "parse channels file %s", path)
	}
	for key, ch := range f.Exports {
		if ch.Name == "" {
			ch.Name = key
		}
		if ch.Name == PrimaryChannel {
			return nil, xerrors.Newf("channel %q is reserved for the default view", PrimaryChannel)
		}
		if len(ch.Repos) == 0 {
			return nil, xerrors.Newf("channel %q lists no repos", ch.Name)
		}
		if _, dup := out[ch.Name]; dup {
			return nil, xerrors.Newf("channel %q defined twice", ch.Name)
		}
		out[ch.Name] = ch
	}
	return out, nil
}

// Get returns the named channel.
func (cs Channels) Get(name string) (Channel, error) {
	ch, ok := cs[name]
	if !ok {
		return Channel{}, xerrors.Newf("unknown channel %q (known: %v)", name, cs.Names())
	}
	return ch, nil
}

// Names returns channel names sorted.
func (cs Channels) Names() []string {
	out := make([]string, 0, len(cs))
	for n := range cs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
