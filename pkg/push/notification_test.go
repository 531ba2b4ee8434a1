package push

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		want        Notification
		expectError bool
	}{
		{
			name:    "empty payload uses defaults",
			payload: "",
			want:    Notification{Title: DefaultTitle, Icon: DefaultIcon, Badge: DefaultBadge, URL: DefaultURL},
		},
		{
			name:    "plain text becomes body",
			payload: "Your order is ready",
			want:    Notification{Title: DefaultTitle, Body: "Your order is ready", Icon: DefaultIcon, Badge: DefaultBadge, URL: DefaultURL},
		},
		{
			name:    "json fields kept",
			payload: `{"title":"Order","body":"Ready","tag":"order-1","url":"/orders/1","icon":"/i.png"}`,
			want:    Notification{Title: "Order", Body: "Ready", Tag: "order-1", URL: "/orders/1", Icon: "/i.png", Badge: DefaultBadge},
		},
		{
			name:    "blank title replaced",
			payload: `{"title":"  ","body":"x"}`,
			want:    Notification{Title: DefaultTitle, Body: "x", Icon: DefaultIcon, Badge: DefaultBadge, URL: DefaultURL},
		},
		{name: "broken json", payload: `{"title":`, expectError: true},
		{name: "external click target", payload: `{"url":"https://evil.test/"}`, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.payload))
			if (err != nil) != tt.expectError {
				t.Fatalf("Parse() error = %v, expectError %v", err, tt.expectError)
			}
			if tt.expectError {
				return
			}
			if got.Title != tt.want.Title || got.Body != tt.want.Body || got.Icon != tt.want.Icon ||
				got.Badge != tt.want.Badge || got.Tag != tt.want.Tag || got.URL != tt.want.URL {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParse_DataPassthrough(t *testing.T) {
	n, err := Parse([]byte(`{"data":{"orderId":42}}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if string(n.Data) != `{"orderId":42}` {
		t.Errorf("Data = %s, want raw object", n.Data)
	}
}

func TestClickTarget(t *testing.T) {
	n := Notification{URL: "/orders/1?tab=status"}
	got, err := n.ClickTarget("https://shop.example.com/app/")
	if err != nil {
		t.Fatalf("ClickTarget() error = %v", err)
	}
	if got != "https://shop.example.com/orders/1?tab=status" {
		t.Errorf("ClickTarget() = %q", got)
	}
}
