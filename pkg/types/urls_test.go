package types

import (
	"reflect"
	"testing"
)

func TestNewURLs(t *testing.T) {
	tests := []struct {
		strs  []string
		wurls URLs
	}{
		{
			[]string{"127.0.0.1:2379"},
			MustNewURLs([]string{"127.0.0.1:2379"}),
		},
		{ // trim space
			[]string{"   127.0.0.1:2379    "},
			MustNewURLs([]string{"127.0.0.1:2379"}),
		},
		{ // sort
			[]string{
				"127.0.0.2:2379",
				"127.0.0.1:2379",
			},
			MustNewURLs([]string{
				"127.0.0.1:2379",
				"127.0.0.2:2379",
			}),
		},
	}

	for i, tt := range tests {
		urls, _ := NewURLs(tt.strs)
		if !reflect.DeepEqual(urls, tt.wurls) {
			t.Fatalf("#%d: urls expected %+v, got %+v", i, tt.wurls, urls)
		}
	}
}

func TestURLsString(t *testing.T) {
	tests := []struct {
		us   URLs
		wstr string
	}{
		{
			URLs{},
			"",
		},
		{
			MustNewURLs([]string{"127.0.0.1:2379"}),
			"tcp://127.0.0.1:2379",
		},
		{
			MustNewURLs([]string{
				"127.0.0.1:2379",
				"127.0.0.2:2379",
			}),
			"tcp://127.0.0.1:2379,tcp://127.0.0.2:2379",
		},
	}
	for i, tt := range tests {
		g := tt.us.String()
		if g != tt.wstr {
			t.Fatalf("#%d: string expected %q, got %q", i, tt.wstr, g)
		}
	}
}

func TestURLsSort(t *testing.T) {
	g := MustNewURLs([]string{
		"127.0.0.4:2379",
		"127.0.0.2:2379",
		"127.0.0.1:2379",
		"127.0.0.3:2379",
	})
	w := MustNewURLs([]string{
		"127.0.0.1:2379",
		"127.0.0.2:2379",
		"127.0.0.3:2379",
		"127.0.0.4:2379",
	})
	gurls := URLs(g)
	gurls.Sort()

	if !reflect.DeepEqual(g, w) {
		t.Fatalf("URLs expected %+v, got %+v", w, g)
	}
}

func TestNewURLsFail(t *testing.T) {
	tests := [][]string{
		{}, // no urls given
		{"mailto://127.0.0.1:2379"}, // unsupported scheme
		{"http://127.0.0.1"},        // not conform to host:port
		{"http://127.0.0.1:2379/path"}, // contain a path
	}

	for i, tt := range tests {
		_, err := NewURLs(tt)
		if err == nil {
			t.Fatalf("#%d: expected err, got nil", i)
		}
	}
}

func TestNewURLBareHostPort(t *testing.T) {
	u, err := NewURL("10.0.0.1:8000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Scheme != "tcp" || u.Host != "10.0.0.1:8000" {
		t.Fatalf("unexpected URL: %+v", u)
	}
}
