package application

import (
	"errors"
	"testing"

	"github.com/davarch/archbuild/internal/domain"
)

func TestValidatePipeline(t *testing.T) {
	cmd := domain.Command{Program: "true"}

	tests := []struct {
		name    string
		stages  []domain.Stage
		wantErr bool
	}{
		{name: "ok", stages: []domain.Stage{{Name: "a", Command: cmd}, {Name: "b", Command: cmd, After: []string{"a"}}}},
		{name: "empty", wantErr: true},
		{name: "unnamed", stages: []domain.Stage{{Command: cmd}}, wantErr: true},
		{name: "duplicate", stages: []domain.Stage{{Name: "a", Command: cmd}, {Name: "a", Command: cmd}}, wantErr: true},
		{name: "no program", stages: []domain.Stage{{Name: "a"}}, wantErr: true},
		{name: "dependency later", stages: []domain.Stage{{Name: "a", Command: cmd, After: []string{"b"}}, {Name: "b", Command: cmd}}, wantErr: true},
		{name: "self dependency", stages: []domain.Stage{{Name: "a", Command: cmd, After: []string{"a"}}}, wantErr: true},
		{name: "negative timeout", stages: []domain.Stage{{Name: "a", Command: cmd, Timeout: -1}}, wantErr: true},
	}

	for _, tt := range tests {
		err := ValidatePipeline(domain.Pipeline{Name: tt.name, Stages: tt.stages})
		if tt.wantErr != (err != nil) {
			t.Errorf("%s: wantErr=%v, got %v", tt.name, tt.wantErr, err)
		}
		if err != nil && !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("%s: expected configuration error, got %v", tt.name, err)
		}
	}
}

func TestValidateParams(t *testing.T) {
	base := func(k, v string) domain.Params {
		p := domain.Params{"username": "builder", "password": "pw", "shell": "/usr/bin/bash", "timezone": "UTC"}
		if v == "<delete>" {
			delete(p, k)
		} else if k != "" {
			p[k] = v
		}
		return p
	}

	tests := []struct {
		name    string
		params  domain.Params
		wantErr bool
	}{
		{name: "ok", params: base("", "")},
		{name: "tehran", params: base("timezone", "Asia/Tehran")},
		{name: "no username", params: base("username", "<delete>"), wantErr: true},
		{name: "blank password", params: base("password", "  "), wantErr: true},
		{name: "root user", params: base("username", "root"), wantErr: true},
		{name: "username with colon", params: base("username", "a:b"), wantErr: true},
		{name: "username as option", params: base("username", "-ouid=0"), wantErr: true},
		{name: "password with newline", params: base("password", "pw\nroot:owned"), wantErr: true},
		{name: "password with carriage return", params: base("password", "pw\rroot:owned"), wantErr: true},
		{name: "password with colon", params: base("password", "p:w")},
		{name: "relative shell", params: base("shell", "bash"), wantErr: true},
		{name: "unknown timezone", params: base("timezone", "Europe/Atlantis"), wantErr: true},
		{name: "local timezone", params: base("timezone", "Local"), wantErr: true},
		{name: "hostname", params: base("hostname", "build-01.example"), wantErr: false},
		{name: "bad hostname", params: base("hostname", "-bad_host"), wantErr: true},
		{name: "iso name with slash", params: base("iso_name", "../x"), wantErr: true},
		{name: "locale with quote", params: base("locale", "en_US'"), wantErr: true},
	}

	for _, tt := range tests {
		err := ValidateParams(tt.params)
		if tt.wantErr != (err != nil) {
			t.Errorf("%s: wantErr=%v, got %v", tt.name, tt.wantErr, err)
		}
		if err != nil && !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("%s: expected configuration error, got %v", tt.name, err)
		}
	}
}
