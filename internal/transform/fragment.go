package transform

import (
	"bytes"
	"fmt"
	"html/template"
	"os"

	"tunnel-gateway/internal/config"
)

// analyticsTemplate is the asynchronous analytics loader. html/template
// escapes the account id for the JavaScript string context.
var analyticsTemplate = template.Must(template.New("analytics").Parse(`<script type="text/javascript">
  var _gaq = [];
  _gaq.push(['_setAccount', '{{.}}']);
  _gaq.push(['_trackPageview']);
  (function() {
    var ga = document.createElement('script'); ga.type = 'text/javascript'; ga.async = true;
    ga.src = (document.location.protocol === 'https:' ? 'https://ssl' : 'http://www') + '.google-analytics.com/ga.js';
    var s = document.getElementsByTagName('script')[0]; s.parentNode.insertBefore(ga, s);
  })();
</script>
`))

// LoadFragment resolves the configured injection fragment. A nil result means
// nothing is injected and HTML passes through untouched.
func LoadFragment(cfg *config.Config) ([]byte, error) {
	switch {
	case cfg.Inject.Fragment != "":
		return []byte(cfg.Inject.Fragment), nil
	case cfg.Inject.FragmentFile != "":
		b, err := os.ReadFile(cfg.Inject.FragmentFile)
		if err != nil {
			return nil, fmt.Errorf("read inject.fragment_file: %w", err)
		}
		return b, nil
	case cfg.Inject.AnalyticsID != "":
		return AnalyticsFragment(cfg.Inject.AnalyticsID)
	default:
		return nil, nil
	}
}

// AnalyticsFragment renders the analytics loader for id.
func AnalyticsFragment(id string) ([]byte, error) {
	var buf bytes.Buffer
	if err := analyticsTemplate.Execute(&buf, id); err != nil {
		return nil, fmt.Errorf("render analytics fragment: %w", err)
	}
	return buf.Bytes(), nil
}
