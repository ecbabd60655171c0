package dom

import (
	"strings"
	"testing"
)

func TestParseReturnsFirstElement(t *testing.T) {
	n, err := Parse(`<li class="messageListItem" data-message-id="42"><div class="markup">hi</div></li>`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n.Tag() != "li" {
		t.Errorf("expected li, got %q", n.Tag())
	}
	if id, ok := n.Attr("data-message-id"); !ok || id != "42" {
		t.Errorf("expected data-message-id 42, got %q (present=%v)", id, ok)
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse("just text"); err != ErrEmptySnapshot {
		t.Fatalf("expected ErrEmptySnapshot, got %v", err)
	}
}

func TestQueryExcludesSelf(t *testing.T) {
	n, err := Parse(`<div class="message"><span>a</span></div>`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := n.Query(`div[class*="message"]`)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected no descendant match, got %q", got.Tag())
	}
	self, err := n.Matches(`div[class*="message"]`)
	if err != nil {
		t.Fatal(err)
	}
	if !self {
		t.Error("expected the node itself to match")
	}
}

func TestQueryAllOrder(t *testing.T) {
	n, err := Parse(`<div><p class="x">1</p><section><p class="x">2</p></section><p class="x">3</p></div>`)
	if err != nil {
		t.Fatal(err)
	}
	all, err := n.QueryAll("p.x")
	if err != nil {
		t.Fatal(err)
	}
	var texts []string
	for _, p := range all {
		texts = append(texts, p.Text())
	}
	if strings.Join(texts, ",") != "1,2,3" {
		t.Errorf("expected document order 1,2,3, got %v", texts)
	}
}

func TestInvalidSelector(t *testing.T) {
	n, err := Parse(`<div></div>`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.Query("div[[["); err == nil {
		t.Error("expected compile error for invalid selector")
	}
}

func TestTextAndInnerText(t *testing.T) {
	n, err := Parse(`<div><div class="header">Alice</div><div>hello there</div><script>x()</script>a<br>b</div>`)
	if err != nil {
		t.Fatal(err)
	}
	if got := n.Text(); got != "Alicehello therex()ab" {
		t.Errorf("Text: got %q", got)
	}

	var lines []string
	for _, l := range strings.Split(n.InnerText(), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	want := []string{"Alice", "hello there", "a", "b"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("InnerText lines: got %v, want %v", lines, want)
	}
}

func TestHandle(t *testing.T) {
	n, err := Parse(`<div data-hover-reply-id="h7"></div>`)
	if err != nil {
		t.Fatal(err)
	}
	if n.Handle() != Handle("h7") {
		t.Errorf("expected handle h7, got %q", n.Handle())
	}
}
