package settings_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/haivivi/gearfw/pkg/settings"
)

func newBadgerStore(t *testing.T) settings.Store {
	t.Helper()
	s, err := settings.NewBadger(settings.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newMemoryStore(t *testing.T) settings.Store {
	t.Helper()
	s := settings.NewMemory()
	t.Cleanup(func() { s.Close() })
	return s
}

var stores = []struct {
	name string
	new  func(t *testing.T) settings.Store
}{
	{"memory", newMemoryStore},
	{"badger", newBadgerStore},
}

func TestStore_GetSetDelete(t *testing.T) {
	for _, st := range stores {
		t.Run(st.name, func(t *testing.T) {
			ctx := context.Background()
			s := st.new(t)

			if _, err := s.Get(ctx, "wifi:ssid"); !errors.Is(err, settings.ErrNotFound) {
				t.Fatalf("Get missing err = %v; want ErrNotFound", err)
			}
			if err := s.Set(ctx, "wifi:ssid", []byte("home")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := s.Get(ctx, "wifi:ssid")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "home" {
				t.Errorf("Get = %q; want home", got)
			}
			if err := s.Delete(ctx, "wifi:ssid"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, "wifi:ssid"); err != nil {
				t.Errorf("Delete missing: %v", err)
			}
			if _, err := s.Get(ctx, "wifi:ssid"); !errors.Is(err, settings.ErrNotFound) {
				t.Errorf("Get after delete err = %v; want ErrNotFound", err)
			}
		})
	}
}

func TestStore_List(t *testing.T) {
	for _, st := range stores {
		t.Run(st.name, func(t *testing.T) {
			ctx := context.Background()
			s := st.new(t)
			for _, k := range []string{"audio:volume", "assets:download_url", "audio:aec", "audiox:other"} {
				if err := s.Set(ctx, k, []byte(k)); err != nil {
					t.Fatalf("Set(%s): %v", k, err)
				}
			}
			var keys []string
			for e, err := range s.List(ctx, "audio:") {
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				keys = append(keys, e.Key)
			}
			want := []string{"audio:aec", "audio:volume"}
			if !slices.Equal(keys, want) {
				t.Errorf("List(audio:) = %v; want %v", keys, want)
			}
		})
	}
}

func TestSettings_Typed(t *testing.T) {
	for _, st := range stores {
		t.Run(st.name, func(t *testing.T) {
			s := settings.New(st.new(t), "audio")

			if got := s.GetInt("output_volume", 70); got != 70 {
				t.Errorf("GetInt default = %d; want 70", got)
			}
			if err := s.SetInt("output_volume", 35); err != nil {
				t.Fatalf("SetInt: %v", err)
			}
			if got := s.GetInt("output_volume", 70); got != 35 {
				t.Errorf("GetInt = %d; want 35", got)
			}

			if got := s.GetString("wake_word", "hi gear"); got != "hi gear" {
				t.Errorf("GetString default = %q", got)
			}
			if err := s.SetString("wake_word", "hello"); err != nil {
				t.Fatalf("SetString: %v", err)
			}
			if got := s.GetString("wake_word", ""); got != "hello" {
				t.Errorf("GetString = %q; want hello", got)
			}

			if err := s.SetBool("aec", true); err != nil {
				t.Fatalf("SetBool: %v", err)
			}
			if !s.GetBool("aec", false) {
				t.Error("GetBool = false; want true")
			}

			// Wrong type falls back to the default.
			if got := s.GetInt("wake_word", -1); got != -1 {
				t.Errorf("GetInt on string = %d; want -1", got)
			}
			if !s.Has("aec") || s.Has("missing") {
				t.Error("Has mismatch")
			}
		})
	}
}

func TestSettings_Erase(t *testing.T) {
	for _, st := range stores {
		t.Run(st.name, func(t *testing.T) {
			store := st.new(t)
			kc := settings.New(store, "keycloak")
			other := settings.New(store, "keycloakx")

			_ = kc.SetString("access_token", "a")
			_ = kc.SetString("refresh_token", "r")
			_ = kc.SetInt("access_expires", 100)
			_ = other.SetString("keep", "yes")

			if err := kc.EraseKey("refresh_token"); err != nil {
				t.Fatalf("EraseKey: %v", err)
			}
			keys, err := kc.Keys()
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if want := []string{"access_expires", "access_token"}; !slices.Equal(keys, want) {
				t.Errorf("Keys = %v; want %v", keys, want)
			}

			if err := kc.EraseAll(); err != nil {
				t.Fatalf("EraseAll: %v", err)
			}
			if keys, _ := kc.Keys(); len(keys) != 0 {
				t.Errorf("Keys after EraseAll = %v", keys)
			}
			if got := other.GetString("keep", ""); got != "yes" {
				t.Errorf("neighbouring namespace erased: %q", got)
			}
		})
	}
}

func TestBadger_Persistence(t *testing.T) {
	dir := t.TempDir()
	s, err := settings.NewBadger(settings.BadgerOptions{Dir: dir})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	if err := settings.New(s, "signalr").SetString("hub_url", "https://hub.example/hub"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = settings.NewBadger(settings.BadgerOptions{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if got := settings.New(s, "signalr").GetString("hub_url", ""); got != "https://hub.example/hub" {
		t.Errorf("hub_url after reopen = %q", got)
	}
}

func TestNewBadger_RequiresDir(t *testing.T) {
	if _, err := settings.NewBadger(settings.BadgerOptions{}); err == nil {
		t.Error("NewBadger without Dir err = nil")
	}
}
