package origin

import (
	"reflect"
	"testing"
)

func TestAllowedOriginsConfigured(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		got := AllowedOrigins(":3000", []string{"https://Example.com/path"})
		want := []string{"https://example.com"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("AllowedOrigins() = %#v, want %#v", got, want)
		}
	})

	t.Run("multiple with junk", func(t *testing.T) {
		got := AllowedOrigins(":3000", []string{"https://foo.example", "http://Bar.example:8080", "not a url", "https://foo.example"})
		want := []string{"https://foo.example", "http://bar.example:8080"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("AllowedOrigins() = %#v, want %#v", got, want)
		}
	})

	t.Run("wildcard", func(t *testing.T) {
		got := AllowedOrigins(":3000", []string{"https://foo.example", " * "})
		want := []string{Wildcard}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("AllowedOrigins() = %#v, want %#v", got, want)
		}
	})
}

func TestAllowedOriginsFallback(t *testing.T) {
	tests := map[string]struct {
		listen string
		want   []string
	}{
		"port only": {
			listen: ":9090",
			want:   []string{"http://localhost:9090", "http://127.0.0.1:9090"},
		},
		"any interface": {
			listen: "0.0.0.0:8080",
			want:   []string{"http://localhost:8080", "http://127.0.0.1:8080"},
		},
		"named host kept": {
			listen: "flips.lan:8080",
			want:   []string{"http://localhost:8080", "http://127.0.0.1:8080", "http://flips.lan:8080"},
		},
		"ipv6 host": {
			listen: "[fe80::1]:8080",
			want:   []string{"http://localhost:8080", "http://127.0.0.1:8080", "http://[fe80::1]:8080"},
		},
		"no port": {
			listen: "flips.lan",
			want:   nil,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := AllowedOrigins(tc.listen, nil)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("AllowedOrigins(%q) = %#v, want %#v", tc.listen, got, tc.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"HTTPS://Flips.Example:8443/x?y": "https://flips.example:8443",
		"flips.example":                  "",
		"":                               "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
