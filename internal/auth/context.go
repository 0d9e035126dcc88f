package auth

import "context"

type subjectKey struct{}

// WithSubject 把已认证的调用方写入上下文，nil 时原样返回。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 返回中间件写入的调用方。
func SubjectFromContext(ctx context.Context) (*Subject, bool) {
	if ctx == nil {
		return nil, false
	}
	subject, ok := ctx.Value(subjectKey{}).(*Subject)
	return subject, ok && subject != nil
}

// TenantFromContext 返回当前请求的租户。会话与任务都以租户为键，未经过中间件的请求得到空租户。
func TenantFromContext(ctx context.Context) string {
	if subject, ok := SubjectFromContext(ctx); ok {
		return subject.Tenant
	}
	return ""
}
