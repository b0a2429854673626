package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/franksops/gocoerce/provider"
	"github.com/franksops/gocoerce/record"
)

// DefaultHeartbeatBytes is how many record bytes a task copies between two
// progress signals.
const DefaultHeartbeatBytes = 1_000_000

// RenameMode controls how a lister names destination files.
type RenameMode int

const (
	// NoRename keeps each file's path relative to the source root.
	NoRename RenameMode = iota
	// AlwaysRename gives every destination file a fresh unique name.
	AlwaysRename
	// RenameIfNecessary keeps the name unless it is already taken.
	RenameIfNecessary
)

func (m RenameMode) String() string {
	switch m {
	case NoRename:
		return "none"
	case AlwaysRename:
		return "always"
	case RenameIfNecessary:
		return "if-necessary"
	}
	return fmt.Sprintf("RenameMode(%d)", int(m))
}

// ParseRenameMode accepts the names returned by RenameMode.String.
func ParseRenameMode(s string) (RenameMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return NoRename, nil
	case "always":
		return AlwaysRename, nil
	case "if-necessary":
		return RenameIfNecessary, nil
	}
	return 0, fmt.Errorf("unknown rename mode %q", s)
}

// Task is one file to copy. Paths are relative to the providers resolved
// from the job's source and destination locations.
type Task struct {
	ID         int
	SourcePath string
	DestPath   string
	Size       int64
}

// ListRequest is what a Lister needs to turn a job into tasks.
type ListRequest struct {
	Source     provider.Provider
	SourceRoot string
	Dest       provider.Provider
	DestRoot   string

	RenameMode        RenameMode
	ExtensionOnRename string
}

// Lister partitions a job into independent tasks.
type Lister interface {
	List(ctx context.Context, req ListRequest) ([]Task, error)
}

// TransferRequest is what a caller asks Coerce to do.
type TransferRequest struct {
	SourceURI         string
	DestURI           string
	RenameMode        RenameMode
	ExtensionOnRename string

	Lister        Lister
	InputFactory  record.StreamFactory
	OutputFactory record.StreamFactory
}

// JobDescriptor is the read-only description of a job shared by every
// task of it.
type JobDescriptor struct {
	name              string
	source            string
	dest              string
	renameMode        RenameMode
	extensionOnRename string
	heartbeatBytes    int64

	lister        Lister
	inputFactory  record.StreamFactory
	outputFactory record.StreamFactory
}

// NewJobDescriptor validates req and snapshots it. A heartbeatBytes of zero
// or less selects DefaultHeartbeatBytes.
func NewJobDescriptor(req TransferRequest, heartbeatBytes int64) (*JobDescriptor, error) {
	if !hasScheme(req.SourceURI) || !hasScheme(req.DestURI) {
		return nil, missingSchemeError(req.SourceURI, req.DestURI)
	}
	if req.Lister == nil || req.InputFactory == nil || req.OutputFactory == nil {
		return nil, &ArgumentError{
			Source: req.SourceURI,
			Dest:   req.DestURI,
			Reason: "lister and both stream factories are required",
		}
	}
	if heartbeatBytes <= 0 {
		heartbeatBytes = DefaultHeartbeatBytes
	}
	return &JobDescriptor{
		name:              fmt.Sprintf("Coercer: %s -> %s", req.SourceURI, req.DestURI),
		source:            req.SourceURI,
		dest:              req.DestURI,
		renameMode:        req.RenameMode,
		extensionOnRename: req.ExtensionOnRename,
		heartbeatBytes:    heartbeatBytes,
		lister:            req.Lister,
		inputFactory:      req.InputFactory,
		outputFactory:     req.OutputFactory,
	}, nil
}

func (d *JobDescriptor) Name() string                        { return d.name }
func (d *JobDescriptor) Source() string                      { return d.source }
func (d *JobDescriptor) Dest() string                        { return d.dest }
func (d *JobDescriptor) RenameMode() RenameMode              { return d.renameMode }
func (d *JobDescriptor) ExtensionOnRename() string           { return d.extensionOnRename }
func (d *JobDescriptor) HeartbeatBytes() int64               { return d.heartbeatBytes }
func (d *JobDescriptor) Lister() Lister                      { return d.lister }
func (d *JobDescriptor) InputFactory() record.StreamFactory  { return d.inputFactory }
func (d *JobDescriptor) OutputFactory() record.StreamFactory { return d.outputFactory }

func hasScheme(uri string) bool {
	return provider.HasScheme(uri)
}
