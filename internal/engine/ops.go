package engine

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/security"
)

// ControlService runs a systemctl action through the dedicated service
// wrapper. Mutating actions on whitelisted services are privileged; query
// actions are not.
func (e *Engine) ControlService(ctx context.Context, action, service string, opts ...ExecOption) (*domain.ExecutionResult, error) {
	raw := domain.NewCommandRequest("systemctl", []string{action, service}, domain.WithCategory(domain.CategoryServiceControl))
	ctx, span := e.tracer.Start(ctx, "engine.control_service", trace.WithAttributes(
		attribute.String("warden.service_action", action),
	))
	defer span.End()

	inv, err := e.gate.ServiceCommand(action, service)
	return e.dedicated(ctx, span, raw, inv, err, opts)
}

// Mount runs mount through the dedicated mount wrapper.
func (e *Engine) Mount(ctx context.Context, spec security.MountSpec, opts ...ExecOption) (*domain.ExecutionResult, error) {
	args := []string{spec.Source, spec.Target}
	if spec.Bind {
		args = append([]string{"--bind"}, args...)
	} else if spec.FSType != "" {
		args = append([]string{"-t", spec.FSType}, args...)
	}
	if len(spec.Options) > 0 {
		args = append(args, "-o", strings.Join(spec.Options, ","))
	}
	raw := domain.NewCommandRequest("mount", args, domain.WithCategory(domain.CategoryMountControl), domain.WithPrivilege())
	ctx, span := e.tracer.Start(ctx, "engine.mount", trace.WithAttributes(
		attribute.String("warden.fstype", spec.FSType),
		attribute.Bool("warden.bind", spec.Bind),
	))
	defer span.End()

	inv, err := e.gate.MountCommand(spec)
	return e.dedicated(ctx, span, raw, inv, err, opts)
}

// Unmount runs umount through the dedicated unmount wrapper. Protected
// system mount points are refused.
func (e *Engine) Unmount(ctx context.Context, target string, force, lazy bool, opts ...ExecOption) (*domain.ExecutionResult, error) {
	raw := domain.NewCommandRequest("umount", []string{target}, domain.WithCategory(domain.CategoryMountControl), domain.WithPrivilege())
	ctx, span := e.tracer.Start(ctx, "engine.unmount")
	defer span.End()

	inv, err := e.gate.UnmountCommand(target, force, lazy)
	return e.dedicated(ctx, span, raw, inv, err, opts)
}

// dedicated records a wrapper rejection, or runs the invocation it built.
// raw describes the caller's input for the rejection event.
func (e *Engine) dedicated(ctx context.Context, span trace.Span, raw domain.CommandRequest, inv security.Invocation, err error, opts []ExecOption) (*domain.ExecutionResult, error) {
	if err != nil {
		stage := StageAuthorization
		if errors.Is(err, domain.ErrValidation) {
			stage = StageValidation
		}
		e.reject(ctx, span, raw, stage, err, nil)
		return nil, err
	}
	return e.run(ctx, span, inv.Request(), e.gate.AuthorizeInvocation(inv), opts)
}
