// Package catalog defines the inventory of clusters, commands, and
// applications that jobs resolve against, and the store interfaces the
// resolution engine consumes.
package catalog

import (
	"context"
	"strings"
	"time"

	"jobplane/internal/apperrors"
	"jobplane/internal/criteria"
)

// ClusterStatus is the closed status set for clusters.
type ClusterStatus string

const (
	ClusterUp           ClusterStatus = "UP"
	ClusterOutOfService ClusterStatus = "OUT_OF_SERVICE"
	ClusterTerminated   ClusterStatus = "TERMINATED"
)

// ConfigStatus is the closed status set for commands and applications.
type ConfigStatus string

const (
	ConfigActive     ConfigStatus = "ACTIVE"
	ConfigDeprecated ConfigStatus = "DEPRECATED"
	ConfigInactive   ConfigStatus = "INACTIVE"
)

// Common holds the fields shared by every taggable catalog entity.
// Created and Updated are stamped by the store; client-supplied values
// are ignored on write.
type Common struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	User         string          `json:"user"`
	Version      string          `json:"version"`
	Tags         criteria.TagSet `json:"tags"`
	Configs      []string        `json:"configs,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	SetupFile    string          `json:"setupFile,omitempty"`
	Description  string          `json:"description,omitempty"`
	Created      time.Time       `json:"created"`
	Updated      time.Time       `json:"updated"`
}

// Cluster is a taggable execution target holding an operator-ordered list
// of command ids.
type Cluster struct {
	Common
	Status      ClusterStatus `json:"status"`
	ClusterType string        `json:"clusterType,omitempty"`
	CommandIDs  []string      `json:"commandIds,omitempty"`
}

// Command is a taggable executable definition. Executable is the canonical
// ordered form; the joined string is derived at serialization boundaries.
type Command struct {
	Common
	Status         ConfigStatus `json:"status"`
	Executable     []string     `json:"executable"`
	CheckDelay     int64        `json:"checkDelay"` // health check interval, milliseconds
	MemoryMB       *int         `json:"memory,omitempty"`
	ApplicationIDs []string     `json:"applicationIds,omitempty"`
}

// ExecutableString returns the legacy space-joined executable form.
func (c *Command) ExecutableString() string {
	return strings.Join(c.Executable, " ")
}

// Application is a taggable supporting dependency installed for a command.
type Application struct {
	Common
	Status  ConfigStatus `json:"status"`
	AppType string       `json:"type,omitempty"`
}

// criteria.Entity implementations. Usable reflects the status subset a
// resolver may place work on.

func (c *Common) EntityID() string            { return c.ID }
func (c *Common) EntityName() string          { return c.Name }
func (c *Common) EntityTags() criteria.TagSet { return c.Tags }
func (c *Common) UpdatedTime() time.Time      { return c.Updated }

func (c *Cluster) Usable() bool     { return c.Status == ClusterUp }
func (c *Command) Usable() bool     { return c.Status == ConfigActive }
func (a *Application) Usable() bool { return a.Status == ConfigActive }

// Store is the read-only catalog view the resolution engine consumes.
// Command order within a cluster and application order within a command are
// operator-declared priority and must be preserved.
type Store interface {
	ListClusters(ctx context.Context) ([]*Cluster, error)
	GetCluster(ctx context.Context, id string) (*Cluster, error)
	GetCommand(ctx context.Context, id string) (*Command, error)
	GetApplication(ctx context.Context, id string) (*Application, error)
	CommandsForCluster(ctx context.Context, clusterID string) ([]*Command, error)
	ApplicationsForCommand(ctx context.Context, commandID string) ([]*Application, error)
}

// Registry is the write side used by catalog management operations.
type Registry interface {
	Store
	SaveCluster(ctx context.Context, c *Cluster) error
	SaveCommand(ctx context.Context, c *Command) error
	SaveApplication(ctx context.Context, a *Application) error
	SetClusterCommands(ctx context.Context, clusterID string, commandIDs []string) error
	SetCommandApplications(ctx context.Context, commandID string, applicationIDs []string) error
	ListCommands(ctx context.Context) ([]*Command, error)
	ListApplications(ctx context.Context) ([]*Application, error)
}

// ValidateCluster checks required fields before a save.
func ValidateCluster(c *Cluster) error {
	if err := validateCommon(&c.Common); err != nil {
		return err
	}
	switch c.Status {
	case ClusterUp, ClusterOutOfService, ClusterTerminated:
		return nil
	default:
		return apperrors.Validation("status", "cluster status must be UP, OUT_OF_SERVICE, or TERMINATED")
	}
}

// ValidateCommand checks required fields before a save.
func ValidateCommand(c *Command) error {
	if err := validateCommon(&c.Common); err != nil {
		return err
	}
	if len(c.Executable) == 0 {
		return apperrors.Validation("executable", "command executable is required")
	}
	if c.CheckDelay <= 0 {
		return apperrors.Validation("checkDelay", "command check delay must be positive")
	}
	return validateConfigStatus(c.Status)
}

// ValidateApplication checks required fields before a save.
func ValidateApplication(a *Application) error {
	if err := validateCommon(&a.Common); err != nil {
		return err
	}
	return validateConfigStatus(a.Status)
}

func validateCommon(c *Common) error {
	if strings.TrimSpace(c.ID) == "" {
		return apperrors.Validation("id", "id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return apperrors.Validation("name", "name is required")
	}
	if strings.TrimSpace(c.User) == "" {
		return apperrors.Validation("user", "user is required")
	}
	if strings.TrimSpace(c.Version) == "" {
		return apperrors.Validation("version", "version is required")
	}
	return nil
}

func validateConfigStatus(s ConfigStatus) error {
	switch s {
	case ConfigActive, ConfigDeprecated, ConfigInactive:
		return nil
	default:
		return apperrors.Validation("status", "status must be ACTIVE, DEPRECATED, or INACTIVE")
	}
}
