package handlers

import "html/template"

type statusPage struct {
	ID         string
	ResultURL  string
	PollMillis int64
	DPS        int64
	Error      string
	Done       bool
}

var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>QuickSim {{.ID}}</title>
</head>
<body>
{{- if and .Done .Error}}
<h1 id="title">Error</h1>
<p id="status">{{.Error}}</p>
{{- else if .Done}}
<h1 id="title">QuickSim Result</h1>
<p id="status">DPS: {{.DPS}}</p>
{{- else}}
<h1 id="title">QuickSim Result</h1>
<p id="status">Simulation running...</p>
{{- end}}
<script>
(function () {
  const resultURL = {{.ResultURL}};
  const interval = {{.PollMillis}};
  const title = document.getElementById("title");
  const status = document.getElementById("status");

  async function poll() {
    try {
      const resp = await fetch(resultURL, { headers: { "Accept": "application/json" } });
      const body = await resp.json();
      if (typeof body.dps === "number") {
        title.textContent = "QuickSim Result";
        status.textContent = "DPS: " + Math.round(body.dps);
        return;
      }
      if (body.status === "failed" || resp.status === 400 || resp.status === 410) {
        title.textContent = "Error";
        status.textContent = body.error;
        return;
      }
    } catch (e) {
      // transient, retry
    }
    setTimeout(poll, interval);
  }

  if (!{{.Done}}) {
    setTimeout(poll, interval);
  }
})();
</script>
</body>
</html>
`))
