package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name:    "valid context",
			rc:      &RequestContext{ActorID: "user-1", Roles: []string{RoleCrew}},
			wantErr: false,
		},
		{
			name:    "missing ActorID",
			rc:      &RequestContext{Roles: []string{RoleCrew}},
			wantErr: true,
		},
		{
			name:    "missing roles",
			rc:      &RequestContext{ActorID: "user-1"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_roundTrip(t *testing.T) {
	rctx := &RequestContext{ActorID: "user-1", Roles: []string{RoleManager}}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %p, want %p", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}

func TestMustRequestContext_panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustRequestContext(context.Background())
}

func TestAccess_scoping(t *testing.T) {
	crew := Access{ActorID: "crew-1", Role: RoleCrew}
	if !crew.CanReadSubject("crew-1") {
		t.Error("crew cannot read own instances")
	}
	if crew.CanReadSubject("crew-2") {
		t.Error("crew can read another subject's instances")
	}
	if crew.CanReview("crew-1") {
		t.Error("crew can review own instances")
	}

	mgr := Access{ActorID: "mgr-1", Role: RoleManager, SubjectIDs: map[string]bool{"crew-1": true}}
	if !mgr.CanReadSubject("crew-1") || !mgr.CanReview("crew-1") {
		t.Error("manager cannot act on assigned subject")
	}
	if mgr.CanReadSubject("crew-9") || mgr.CanReview("crew-9") {
		t.Error("manager can act outside assigned scope")
	}

	admin := Access{ActorID: "adm-1", Role: RoleAdmin}
	if !admin.CanReadSubject("anyone") || !admin.CanReview("anyone") || !admin.CanAuthorTemplates() {
		t.Error("admin scope is restricted")
	}
}
