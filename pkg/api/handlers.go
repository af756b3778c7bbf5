package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/psaab/lowpand/pkg/ipv6"
	"github.com/psaab/lowpand/pkg/whiteboard"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// healthHandler reports ok once the executor runs and every interface
// has a usable router object.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !s.stack.Running() {
		writeError(w, http.StatusServiceUnavailable, "stack not running")
		return
	}
	snap, err := s.snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	for _, ifc := range snap.Interfaces {
		if !ifc.Active {
			writeJSON(w, http.StatusServiceUnavailable, Response{
				Success: false,
				Data:    map[string]string{"status": "bootstrapping", "interface": ifc.Name},
				Error:   "interface not active",
			})
			return
		}
	}
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	resp := StatusResponse{
		Uptime:        time.Since(s.startTime).Truncate(time.Second).String(),
		Running:       s.stack.Running(),
		Ticks:         snap.Ticks,
		Interfaces:    len(snap.Interfaces),
		RouterObjects: len(snap.Objects),
		Routes:        snap.Routes,
		Registrations: snap.Whiteboard,
		RAPending:     snap.RAPending,
	}
	for _, ifc := range snap.Interfaces {
		if ifc.Active {
			resp.Active++
		}
	}
	writeOK(w, resp)
}

func (s *Server) interfacesHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	result := make([]InterfaceStatus, 0, len(snap.Interfaces))
	for _, ifc := range snap.Interfaces {
		st := InterfaceStatus{
			ID:        ifc.ID,
			Name:      ifc.Name,
			Mode:      ifc.Mode.String(),
			Active:    ifc.Active,
			MTU:       ifc.MTU,
			Neighbors: ifc.Neighbors,
			Addresses: []string{},
		}
		for _, a := range ifc.Addresses {
			st.Addresses = append(st.Addresses, a.String())
		}
		result = append(result, st)
	}
	writeOK(w, result)
}

func (s *Server) objectsHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	result := make([]RouterObject, 0, len(snap.Objects))
	for _, o := range snap.Objects {
		ro := RouterObject{
			Interface:    o.IfID,
			Network:      o.NwkID,
			BorderRouter: o.BR.String(),
			State:        o.State.String(),
			ABROVersion:  o.ABROVersion,
			Prefixes:     o.Prefixes,
		}
		if o.DefaultHop.IsValid() {
			ro.DefaultHop = o.DefaultHop.String()
		}
		result = append(result, ro)
	}
	writeOK(w, result)
}

func (s *Server) registrationsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	var entries []whiteboard.Entry
	if err := s.stack.Call(ctx, func() { entries = s.stack.Whiteboard().Entries() }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	result := make([]Registration, 0, len(entries))
	for _, e := range entries {
		result = append(result, Registration{
			Address:   e.Addr.String(),
			EUI64:     e.EUI64.String(),
			Interface: e.IfID,
			Lifetime:  e.Lifetime,
		})
	}
	writeOK(w, result)
}

func (s *Server) countersHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	core := snap.Core
	c := Counters{
		Received:           core.Received,
		Sent:               core.Sent,
		Forwarded:          core.Forwarded,
		Delivered:          core.Delivered,
		Drops:              make(map[string]uint64),
		ICMPErrorsSent:     core.DestUnreachSent + core.PacketTooBigSent + core.TimeExceededSent + core.ParamProblemSent,
		ICMPRateLimited:    core.ICMPRateLimited,
		ResolutionQueued:   core.ResolutionQueued,
		ResolutionFailures: core.ResolutionFailures,
		RSSent:             snap.ND.RSSent,
		RASent:             snap.RA.Sent,
		RAReceived:         snap.ND.RAReceived,
		NSRegSent:          snap.ND.NSRegSent,
		DARSent:            snap.ND.DARSent,
		DACReceived:        snap.ND.DACReceived,
		BootstrapRestarts:  snap.ND.BootstrapRestarts,
		RxDropped:          snap.RxDropped,
	}
	for _, reason := range ipv6.DropReasons() {
		if n := core.Drops[reason]; n > 0 {
			c.Drops[reason.String()] = n
		}
	}
	writeOK(w, c)
}
