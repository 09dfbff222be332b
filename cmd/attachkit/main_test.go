package main

import (
	"testing"

	"attachkit/internal/attach"
	"attachkit/internal/config"

	"github.com/spf13/cobra"
)

func TestRecordRef(t *testing.T) {
	tests := []struct {
		name     string
		parent   string
		relation string
		want     attach.RecordRef
		wantErr  bool
	}{
		{name: "standalone", want: attach.RecordRef{Type: "comments", ID: "c1"}},
		{
			name:     "embedded",
			parent:   "posts:p1",
			relation: "comments",
			want: attach.RecordRef{Type: "comments", ID: "c1",
				Parent: &attach.ParentRef{Type: "posts", ID: "p1", Relation: "comments"}},
		},
		{name: "parent without relation", parent: "posts:p1", wantErr: true},
		{name: "relation without parent", relation: "comments", wantErr: true},
		{name: "parent without id", parent: "posts", relation: "comments", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			addRefFlags(cmd)
			if tt.parent != "" {
				cmd.Flags().Set("parent", tt.parent)
			}
			if tt.relation != "" {
				cmd.Flags().Set("relation", tt.relation)
			}

			got, err := recordRef(cmd, "comments", "c1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("recordRef() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Type != tt.want.Type || got.ID != tt.want.ID {
				t.Errorf("recordRef() = %+v, want %+v", got, tt.want)
			}
			if (got.Parent == nil) != (tt.want.Parent == nil) || (got.Parent != nil && *got.Parent != *tt.want.Parent) {
				t.Errorf("recordRef() parent = %+v, want %+v", got.Parent, tt.want.Parent)
			}
		})
	}
}

func TestDescribeStorage(t *testing.T) {
	tests := []struct {
		cfg  config.StorageConfig
		want string
	}{
		{config.StorageConfig{Type: "memory"}, "memory"},
		{config.StorageConfig{Type: "filesystem", Root: "/data/store"}, "filesystem /data/store"},
		{config.StorageConfig{Type: "s3", S3Bucket: "b", S3Prefix: "p", Encrypted: true}, "s3 s3://b/p (encrypted)"},
	}
	for _, tt := range tests {
		if got := describeStorage(tt.cfg); got != tt.want {
			t.Errorf("describeStorage(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}
