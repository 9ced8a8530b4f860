// Package control exposes application coordination and LVAP handoffs
// over gRPC, next to the standard health and reflection services.
package control

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/lvapctl/internal/app"
	"github.com/signalsfoundry/lvapctl/internal/logging"
	"github.com/signalsfoundry/lvapctl/internal/master"
	"github.com/signalsfoundry/lvapctl/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lvapctl.control.v1.Control"

// Applications is the coordination surface of the application registry.
type Applications interface {
	Names() []string
	ApplicationState(name string) (app.State, error)
	SetApplicationState(name string, s app.State) error
	TryHaltApplication(name string) bool
	ResumeApplication(name string) bool
}

// ClientRemover is implemented by masters that can drop a departed
// client.
type ClientRemover interface {
	RemoveClient(mac model.MAC) error
}

// Service implements the control RPCs. Requests and responses are
// google.protobuf.Struct messages.
type Service struct {
	apps   Applications
	facade master.Facade
	log    logging.Logger
}

// NewService builds the control service.
func NewService(apps Applications, facade master.Facade, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{apps: apps, facade: facade, log: log}
}

func (s *Service) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

// ListApplications returns {"applications": [{"name", "state"}...]}.
func (s *Service) ListApplications(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	apps := []any{}
	for _, name := range s.apps.Names() {
		st, err := s.apps.ApplicationState(name)
		if err != nil {
			continue
		}
		apps = append(apps, map[string]any{"name": name, "state": st.String()})
	}
	return newStruct(map[string]any{"applications": apps})
}

// GetApplicationState takes {"name"} and returns {"name", "state"}.
func (s *Service) GetApplicationState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name, err := requiredString(in, "name")
	if err != nil {
		return nil, ToStatusError(err)
	}
	st, err := s.apps.ApplicationState(name)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return stateReply(name, st, nil)
}

// SetApplicationState takes {"name", "state"}. Only the three legal
// transitions are accepted.
func (s *Service) SetApplicationState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name, err := requiredString(in, "name")
	if err != nil {
		return nil, ToStatusError(err)
	}
	raw, err := requiredString(in, "state")
	if err != nil {
		return nil, ToStatusError(err)
	}
	target, err := app.ParseState(raw)
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	if err := s.apps.SetApplicationState(name, target); err != nil {
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Info(ctx, "application state set", logging.String("app", name), logging.String("state", target.String()))
	return stateReply(name, target, nil)
}

// TryHaltApplication takes {"name"} and returns {"name", "state", "ok"}.
func (s *Service) TryHaltApplication(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.transition(ctx, in, "halt", s.apps.TryHaltApplication)
}

// ResumeApplication takes {"name"} and returns {"name", "state", "ok"}.
func (s *Service) ResumeApplication(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.transition(ctx, in, "resume", s.apps.ResumeApplication)
}

func (s *Service) transition(ctx context.Context, in *structpb.Struct, verb string, fn func(string) bool) (*structpb.Struct, error) {
	name, err := requiredString(in, "name")
	if err != nil {
		return nil, ToStatusError(err)
	}
	if _, err := s.apps.ApplicationState(name); err != nil {
		return nil, ToStatusError(err)
	}
	ok := fn(name)
	st, err := s.apps.ApplicationState(name)
	if err != nil {
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Info(ctx, "application "+verb+" requested",
		logging.String("app", name), logging.Bool("ok", ok), logging.String("state", st.String()))
	return stateReply(name, st, &ok)
}

// ListClients returns {"clients": [{"mac", "ip", "agent"}...]}. An
// optional "agent" filters by hosting agent.
func (s *Service) ListClients(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	clients := s.facade.Clients()
	if raw := optionalString(in, "agent"); raw != "" {
		agent, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, ToStatusError(fmt.Errorf("%w: agent: %v", ErrInvalidArgument, err))
		}
		clients = s.facade.ClientsFromAgent(agent)
	}
	out := []any{}
	for _, c := range clients {
		ip := ""
		if c.Assigned() {
			ip = c.IP.String()
		}
		out = append(out, map[string]any{"mac": c.MAC.String(), "ip": ip, "agent": c.Agent.String()})
	}
	return newStruct(map[string]any{"clients": out})
}

// ListAgents returns {"agents": [{"addr", "channel", "txpower_dbm",
// "last_heard", "clients"}...]}.
func (s *Service) ListAgents(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := []any{}
	for _, a := range s.facade.Agents() {
		lastHeard := ""
		if !a.LastHeard.IsZero() {
			lastHeard = a.LastHeard.UTC().Format(time.RFC3339Nano)
		}
		out = append(out, map[string]any{
			"addr":        a.Addr.String(),
			"channel":     a.Channel,
			"txpower_dbm": a.TxPowerDBm,
			"last_heard":  lastHeard,
			"clients":     len(s.facade.ClientsFromAgent(a.Addr)),
		})
	}
	return newStruct(map[string]any{"agents": out})
}

// RemoveClient takes {"mac"} and forgets a departed client.
func (s *Service) RemoveClient(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	rawMAC, err := requiredString(in, "mac")
	if err != nil {
		return nil, ToStatusError(err)
	}
	mac, err := model.ParseMAC(rawMAC)
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	remover, ok := s.facade.(ClientRemover)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "master cannot remove clients")
	}
	if err := remover.RemoveClient(mac); err != nil {
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Info(ctx, "client removed", logging.String("client", mac.String()))
	return newStruct(map[string]any{"mac": mac.String()})
}

// HandoffClient takes {"mac", "agent"} and rebinds the client's LVAP.
func (s *Service) HandoffClient(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	rawMAC, err := requiredString(in, "mac")
	if err != nil {
		return nil, ToStatusError(err)
	}
	rawAgent, err := requiredString(in, "agent")
	if err != nil {
		return nil, ToStatusError(err)
	}
	mac, err := model.ParseMAC(rawMAC)
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	agent, err := netip.ParseAddr(rawAgent)
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("%w: agent: %v", ErrInvalidArgument, err))
	}

	client, ok := findClient(s.facade.Clients(), mac)
	if !ok {
		return nil, ToStatusError(fmt.Errorf("%w: %s", master.ErrClientNotFound, mac))
	}
	if !hasAgent(s.facade.Agents(), agent) {
		return nil, ToStatusError(fmt.Errorf("%w: %s", master.ErrAgentNotFound, agent))
	}

	s.facade.HandoffClientToAP(mac, agent)
	s.logger(ctx).Info(ctx, "operator handoff",
		logging.String("client", mac.String()),
		logging.String("from", client.Agent.String()),
		logging.String("to", agent.String()))
	return newStruct(map[string]any{"mac": mac.String(), "from": client.Agent.String(), "agent": agent.String()})
}

func findClient(clients []model.Client, mac model.MAC) (model.Client, bool) {
	for _, c := range clients {
		if c.MAC == mac {
			return c, true
		}
	}
	return model.Client{}, false
}

func hasAgent(agents []model.Agent, addr netip.Addr) bool {
	for _, a := range agents {
		if a.Addr == addr {
			return true
		}
	}
	return false
}

func stateReply(name string, st app.State, ok *bool) (*structpb.Struct, error) {
	fields := map[string]any{"name": name, "state": st.String()}
	if ok != nil {
		fields["ok"] = *ok
	}
	return newStruct(fields)
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

func optionalString(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	return in.GetFields()[key].GetStringValue()
}

func requiredString(in *structpb.Struct, key string) (string, error) {
	v := optionalString(in, key)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}
	return v, nil
}

// controlServer is the handler type checked by grpc.RegisterService.
type controlServer interface {
	ListApplications(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetApplicationState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetApplicationState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TryHaltApplication(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResumeApplication(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListClients(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAgents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveClient(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HandoffClient(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(controlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return m(srv.(controlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return m(srv.(controlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListApplications", controlServer.ListApplications),
		unary("GetApplicationState", controlServer.GetApplicationState),
		unary("SetApplicationState", controlServer.SetApplicationState),
		unary("TryHaltApplication", controlServer.TryHaltApplication),
		unary("ResumeApplication", controlServer.ResumeApplication),
		unary("ListClients", controlServer.ListClients),
		unary("ListAgents", controlServer.ListAgents),
		unary("RemoveClient", controlServer.RemoveClient),
		unary("HandoffClient", controlServer.HandoffClient),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lvapctl/control/v1/control.proto",
}

// Register adds the control service to s.
func Register(s grpc.ServiceRegistrar, svc *Service) {
	s.RegisterService(&serviceDesc, svc)
}

var _ controlServer = (*Service)(nil)
