package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	values  map[string]string
	err     error
	calls   []string
	decrypt []bool
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls = append(f.calls, aws.ToString(in.Name))
	f.decrypt = append(f.decrypt, aws.ToBool(in.WithDecryption))
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return &ssm.GetParameterOutput{}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(v)}}, nil
}

func TestSSM_Get(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{
		"/gymgate/session-key": "  0123456789abcdef0123456789abcdef\n",
		"/gymgate/blank":       "   ",
	}}
	s := NewSSM(fake)

	got, err := s.Get(context.Background(), "/gymgate/session-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Get = %q, want trimmed value", got)
	}
	if !fake.decrypt[0] {
		t.Error("GetParameter called without WithDecryption")
	}

	if _, err := s.Get(context.Background(), "/gymgate/blank"); err == nil || !strings.Contains(err.Error(), "is empty") {
		t.Errorf("blank parameter: err = %v, want 'is empty'", err)
	}
	if _, err := s.Get(context.Background(), "/gymgate/missing"); err == nil || !strings.Contains(err.Error(), "has no value") {
		t.Errorf("missing parameter: err = %v, want 'has no value'", err)
	}
}

func TestSSM_Get_ClientError(t *testing.T) {
	boom := errors.New("AccessDeniedException")
	s := NewSSM(&fakeSSM{err: boom})

	_, err := s.Get(context.Background(), "/gymgate/stripe")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped client error", err)
	}
	if !strings.Contains(err.Error(), "/gymgate/stripe") {
		t.Errorf("error %q does not name the parameter", err)
	}
}

func TestResolve(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{"/gymgate/stripe": "whsec_from_ssm"}}
	built := 0
	get := func(context.Context) (*SSM, error) {
		built++
		return NewSSM(fake), nil
	}
	ctx := context.Background()

	tests := []struct {
		name string
		src  Source
		want string
	}{
		{name: "literal wins", src: Source{Value: "whsec_literal", Param: "/gymgate/stripe"}, want: "whsec_literal"},
		{name: "parameter", src: Source{Param: "/gymgate/stripe"}, want: "whsec_from_ssm"},
		{name: "unset", src: Source{}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(ctx, tt.src, get)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve = %q, want %q", got, tt.want)
			}
		})
	}
	if built != 1 {
		t.Errorf("client built %d times, want 1 (only for the parameter case)", built)
	}
}

func TestResolve_ClientBuildError(t *testing.T) {
	boom := errors.New("no credentials")
	_, err := Resolve(context.Background(), Source{Param: "/x"}, func(context.Context) (*SSM, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}
