// Package secrets resolves signing keys and webhook secrets that are kept
// out of flags and environment, currently from SSM SecureString parameters.
package secrets

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// ParameterGetter is the subset of the SSM client used here.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type SSM struct {
	client  ParameterGetter
	timeout time.Duration
}

// NewSSM wraps an existing client.
func NewSSM(client ParameterGetter) *SSM {
	return &SSM{client: client, timeout: 5 * time.Second}
}

// NewSSMFromDefaultConfig builds a client from the default AWS credential chain.
func NewSSMFromDefaultConfig(ctx context.Context) (*SSM, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}
	return NewSSM(ssm.NewFromConfig(awsCfg)), nil
}

// Get fetches and decrypts a parameter. Surrounding whitespace is trimmed
// and an empty value is an error.
func (s *SSM) Get(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}

	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return v, nil
}

// Source picks a secret from a literal value or a parameter name.
type Source struct {
	Value string
	Param string
}

// Resolve returns src.Value when set, otherwise the parameter src.Param.
// Neither set resolves to "" with no error. get is only called when a
// parameter lookup is needed, so callers can construct the SSM client lazily.
func Resolve(ctx context.Context, src Source, get func(ctx context.Context) (*SSM, error)) (string, error) {
	if src.Value != "" {
		return src.Value, nil
	}
	if src.Param == "" {
		return "", nil
	}
	s, err := get(ctx)
	if err != nil {
		return "", err
	}
	return s.Get(ctx, src.Param)
}

// Lazy returns a getter that builds the default-config client on first use
// and reuses it afterwards.
func Lazy() func(ctx context.Context) (*SSM, error) {
	var s *SSM
	return func(ctx context.Context) (*SSM, error) {
		if s != nil {
			return s, nil
		}
		c, err := NewSSMFromDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		s = c
		return s, nil
	}
}
