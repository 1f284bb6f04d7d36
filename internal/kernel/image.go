package kernel

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/deos/internal/snapshot"
	"github.com/roach88/deos/internal/tbc"
)

// Image is a runnable bundle: a bytecode container plus the tasks to spawn.
//
// JSON shape:
//
//	{"tbc": "<base64 container>", "tasks": [{"fn": 0, "priority": 100}]}
type Image struct {
	TBC   string      `json:"tbc"`
	Tasks []ImageTask `json:"tasks"`
}

// ImageTask describes one task spawned at image load.
type ImageTask struct {
	Fn       int `json:"fn"`
	Priority int `json:"priority"`
	Domain   int `json:"domain,omitempty"`
}

// NewImage encodes prog into an image with the given tasks.
func NewImage(prog *tbc.Program, tasks ...ImageTask) (*Image, error) {
	data, err := tbc.Encode(prog)
	if err != nil {
		return nil, fmt.Errorf("build image: %w", err)
	}
	if tasks == nil {
		tasks = []ImageTask{}
	}
	return &Image{TBC: base64.StdEncoding.EncodeToString(data), Tasks: tasks}, nil
}

// ParseImage decodes an image document and checks that its container decodes
// and every task names an existing function.
func ParseImage(data []byte) (*Image, error) {
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("parse image: %w", err)
	}
	if img.TBC == "" {
		return nil, errors.New("parse image: missing tbc")
	}
	prog, err := img.Program()
	if err != nil {
		return nil, err
	}
	for i, t := range img.Tasks {
		if _, ok := prog.Function(t.Fn); !ok {
			return nil, fmt.Errorf("parse image: task %d: no function %d", i, t.Fn)
		}
	}
	return &img, nil
}

// Bytes returns the raw container bytes.
func (img *Image) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(img.TBC)
	if err != nil {
		return nil, fmt.Errorf("image tbc: %w", err)
	}
	return data, nil
}

// Program decodes the container.
func (img *Image) Program() (*tbc.Program, error) {
	data, err := img.Bytes()
	if err != nil {
		return nil, err
	}
	prog, err := tbc.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("image tbc: %w", err)
	}
	return prog, nil
}

// Hash identifies the image's code: the FNV-1a 64 hash of the container
// bytes. Task lists do not contribute.
func (img *Image) Hash() (string, error) {
	data, err := img.Bytes()
	if err != nil {
		return "", err
	}
	return snapshot.HashBytes(data), nil
}

// Marshal renders the image as indented JSON.
func (img *Image) Marshal() ([]byte, error) {
	return json.MarshalIndent(img, "", "  ")
}
