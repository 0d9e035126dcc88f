package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/precious195/airbrain-sub000/pkg/logger"
)

const (
	defaultTenantHeader = "X-Tenant-ID"
	defaultTenant       = "default"
	defaultTenantClaim  = "tenant"
	apiKeyHeader        = "X-API-Key"
	defaultAccessTTL    = 3600
)

// Service 负责 HTTP 端点的身份验证，并把调用方映射到租户。
type Service struct {
	mode          Mode
	tenantHeader  string
	defaultTenant string
	jwt           *jwtVerifier
	keys          []APIKey
	audit         *slog.Logger
}

// jwtVerifier 校验并签发 HS256 令牌。
type jwtVerifier struct {
	secret      []byte
	issuer      string
	audience    []string
	tenantClaim string
	accessTTL   time.Duration
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:          mode,
		tenantHeader:  strings.TrimSpace(cfg.TenantHeader),
		defaultTenant: strings.TrimSpace(cfg.DefaultTenant),
		audit:         logger.Audit(),
	}
	if svc.tenantHeader == "" {
		svc.tenantHeader = defaultTenantHeader
	}
	if svc.defaultTenant == "" {
		svc.defaultTenant = defaultTenant
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		claim := strings.TrimSpace(cfg.JWT.TenantClaim)
		if claim == "" {
			claim = defaultTenantClaim
		}
		ttl := cfg.JWT.AccessTTL
		if ttl <= 0 {
			ttl = defaultAccessTTL
		}
		svc.jwt = &jwtVerifier{
			secret:      []byte(cfg.JWT.Secret),
			issuer:      cfg.JWT.Issuer,
			audience:    cfg.JWT.Audience,
			tenantClaim: claim,
			accessTTL:   time.Duration(ttl) * time.Second,
		}
	case ModeAPIKey:
		for _, key := range cfg.APIKeys {
			if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Tenant) == "" {
				return nil, fmt.Errorf("api key %q must define key and tenant", key.Name)
			}
			svc.keys = append(svc.keys, key)
		}
		if len(svc.keys) == 0 {
			return nil, errors.New("api_key mode requires at least one key")
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 验证请求并返回主体。关闭认证时租户取自请求头。
func (s *Service) AuthenticateRequest(r *http.Request) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return s.anonymous(r), nil
	}
	switch s.mode {
	case ModeAPIKey:
		key := strings.TrimSpace(r.Header.Get(apiKeyHeader))
		if key == "" {
			key = bearer(r.Header.Get("Authorization"))
		}
		if key == "" {
			return nil, ErrMissingToken
		}
		return s.verifyAPIKey(key)
	case ModeJWT:
		token := bearer(r.Header.Get("Authorization"))
		if token == "" {
			return nil, ErrMissingToken
		}
		return s.jwt.verify(token)
	default:
		return nil, ErrDisabled
	}
}

func (s *Service) anonymous(r *http.Request) *Subject {
	header, tenant := defaultTenantHeader, defaultTenant
	if s != nil {
		header, tenant = s.tenantHeader, s.defaultTenant
	}
	if r != nil {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			tenant = v
		}
	}
	return &Subject{Name: "anonymous", Tenant: tenant}
}

func (s *Service) verifyAPIKey(candidate string) (*Subject, error) {
	for _, key := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key.Key), []byte(candidate)) != 1 {
			continue
		}
		subject := &Subject{
			Name:        key.Name,
			Tenant:      key.Tenant,
			Permissions: append([]string(nil), key.Permissions...),
			Disabled:    key.Disabled,
		}
		if subject.Disabled {
			return nil, ErrSubjectRevoked
		}
		subject.normalise()
		return subject, nil
	}
	return nil, ErrInvalidToken
}

// IssueToken 为主体签发访问令牌，供命令行和测试使用。
func (s *Service) IssueToken(subject *Subject) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrDisabled
	}
	return s.jwt.issue(subject, time.Now())
}

func (v *jwtVerifier) issue(subject *Subject, now time.Time) (string, error) {
	if subject == nil || strings.TrimSpace(subject.Tenant) == "" {
		return "", ErrMissingTenant
	}
	claims := jwt.MapClaims{
		"sub":         subject.Name,
		v.tenantClaim: subject.Tenant,
		"iat":         now.Unix(),
		"exp":         now.Add(v.accessTTL).Unix(),
	}
	if len(subject.Permissions) > 0 {
		claims["permissions"] = subject.Permissions
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	if len(v.audience) > 0 {
		claims["aud"] = v.audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *jwtVerifier) verify(raw string) (*Subject, error) {
	if v == nil {
		return nil, ErrDisabled
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if len(v.audience) > 0 {
		matched := false
		for _, aud := range v.audience {
			if claims.VerifyAudience(aud, true) {
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
		}
	}
	tenant, _ := claims[v.tenantClaim].(string)
	if strings.TrimSpace(tenant) == "" {
		return nil, ErrMissingTenant
	}
	name, _ := claims["sub"].(string)
	subject := &Subject{Name: name, Tenant: tenant, Permissions: permissionsClaim(claims)}
	subject.normalise()
	return subject, nil
}

// permissionsClaim 读取 permissions 数组，或以空格分隔的 scope 字符串。
func permissionsClaim(claims jwt.MapClaims) []string {
	var out []string
	if raw, ok := claims["permissions"].([]interface{}); ok {
		for _, item := range raw {
			if perm, ok := item.(string); ok && perm != "" {
				out = append(out, perm)
			}
		}
	}
	if scope, ok := claims["scope"].(string); ok {
		out = append(out, strings.Fields(scope)...)
	}
	return out
}

func bearer(authorization string) string {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
