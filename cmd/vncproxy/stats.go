package main

import (
	"time"

	"github.com/matst80/vncproxy/internal/forward"
	"github.com/matst80/vncproxy/internal/gateway"
)

// Stats represents current proxy stats for dashboards & API.
type Stats struct {
	BeginPort int             `json:"begin_port"`
	EndPort   int             `json:"end_port"`
	Forwards  []forward.Entry `json:"forwards"`
	Totals    gateway.Totals  `json:"totals"`
	Now       string          `json:"now"`
}

type statsSource struct {
	registry  *forward.Registry
	forwarder *gateway.Forwarder
}

func (s statsSource) collect() Stats {
	begin, end := s.registry.Range()
	return Stats{
		BeginPort: begin,
		EndPort:   end,
		Forwards:  s.registry.Entries(),
		Totals:    s.forwarder.Totals(),
		Now:       time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Begin":     s.BeginPort,
		"End":       s.EndPort,
		"Forwards":  len(s.Forwards),
		"Active":    s.Totals.ActiveSessions,
		"Sessions":  s.Totals.Sessions,
		"BytesUp":   s.Totals.BytesUp,
		"BytesDown": s.Totals.BytesDown,
		"Entries":   s.Forwards,
	}
}
