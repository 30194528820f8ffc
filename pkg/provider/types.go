package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Identity identifies this process within a deployed plan.
type Identity struct {
	SystemID   string `json:"systemId"`
	InstanceID string `json:"instanceId"`
	BlockRef   string `json:"blockRef,omitempty"`
}

// Port is a port number that accepts both JSON numbers and numeric strings.
type Port string

func (p *Port) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*p = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*p = Port(str)
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("invalid port %s", s)
	}
	*p = Port(s)
	return nil
}

// Int returns the numeric port, or 0 when unset or not a number.
func (p Port) Int() int {
	n, err := strconv.Atoi(string(p))
	if err != nil {
		return 0
	}
	return n
}

// ResourceInfo describes one backing resource such as a database.
type ResourceInfo struct {
	Host        string            `json:"host"`
	Port        Port              `json:"port"`
	Type        string            `json:"type"`
	Protocol    string            `json:"protocol"`
	Resource    string            `json:"resource"`
	Options     map[string]any    `json:"options"`
	Credentials map[string]string `json:"credentials"`
}

// OperatorPort is one named port of an operator instance.
type OperatorPort struct {
	Protocol string `json:"protocol"`
	Port     int    `json:"port"`
}

// InstanceOperator describes how to reach an operator instance. Options and
// Credentials vary per operator kind.
type InstanceOperator[Options, Credentials any] struct {
	Hostname    string                  `json:"hostname"`
	Ports       map[string]OperatorPort `json:"ports"`
	Path        string                  `json:"path"`
	Query       string                  `json:"query"`
	Hash        string                  `json:"hash"`
	Credentials Credentials             `json:"credentials"`
	Options     Options                 `json:"options"`
}

// DefaultOptions is the operator option shape used when the caller has no
// specific one.
type DefaultOptions map[string]string

// DefaultCredentials is the username/password credential shape most
// operators use.
type DefaultCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ConnectionPort names the port type of a connection or endpoint.
type ConnectionPort struct {
	Type string `json:"type"`
}

// ConnectionEndpoint is one side of a connection in a plan.
type ConnectionEndpoint struct {
	BlockID      string          `json:"blockId"`
	ResourceName string          `json:"resourceName"`
	Port         *ConnectionPort `json:"port,omitempty"`
}

// Connection wires a consumer resource of one block instance to a provider
// resource of another.
type Connection struct {
	Provider ConnectionEndpoint `json:"provider"`
	Consumer ConnectionEndpoint `json:"consumer"`
	Port     *ConnectionPort    `json:"port,omitempty"`
	Mapping  json.RawMessage    `json:"mapping,omitempty"`
}

// BlockInstanceDetails associates a block instance with its connections.
// Block is whatever block schema the caller decodes into.
type BlockInstanceDetails[Block any] struct {
	InstanceID  string       `json:"instanceId"`
	Block       Block        `json:"block"`
	Connections []Connection `json:"connections"`
}

// Metadata is the common asset header.
type Metadata struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// BlockDefinition is the default decode target for block assets.
type BlockDefinition struct {
	Kind     string         `json:"kind"`
	Metadata Metadata       `json:"metadata"`
	Spec     map[string]any `json:"spec,omitempty"`
}

// BlockReference points at a block asset.
type BlockReference struct {
	Ref string `json:"ref"`
}

// PlanBlock is a block instance declared in a plan.
type PlanBlock struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Block BlockReference `json:"block"`
}

// PlanSpec lists the instances and connections of a plan.
type PlanSpec struct {
	Blocks      []PlanBlock  `json:"blocks"`
	Connections []Connection `json:"connections"`
}

// Plan is the declared topology of a system.
type Plan struct {
	Kind     string   `json:"kind"`
	Metadata Metadata `json:"metadata"`
	Spec     PlanSpec `json:"spec"`
}

func (p *Plan) block(id string) (PlanBlock, bool) {
	for _, b := range p.Spec.Blocks {
		if b.ID == id {
			return b, true
		}
	}
	return PlanBlock{}, false
}

// InstanceInfo is sent to the discovery daemon when this process starts.
type InstanceInfo struct {
	PID    string `json:"pid"`
	Health string `json:"health"`
}
