package api

const relayDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Event Stream: Bulk Operations</title>
  <style>
    *, *::before, *::after { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", sans-serif;
      font-size: 14px;
      line-height: 1.65;
      background: #0d1117;
      color: #c9d1d9;
    }
    a { color: #58a6ff; text-decoration: none; }
    nav {
      background: #161b22;
      border-bottom: 1px solid #30363d;
      padding: 0 24px;
      height: 48px;
      display: flex;
      align-items: center;
      gap: 24px;
    }
    nav .brand { font-weight: 600; font-size: 15px; color: #e6edf3; }
    main { max-width: 900px; margin: 0 auto; padding: 32px 16px 64px; }
    h1 { margin: 0 0 8px; font-size: 28px; font-weight: 600; color: #e6edf3; }
    h2 {
      margin: 40px 0 12px;
      font-size: 18px;
      font-weight: 600;
      color: #e6edf3;
      padding-bottom: 8px;
      border-bottom: 1px solid #21262d;
    }
    table { width: 100%; border-collapse: collapse; margin-bottom: 20px; font-size: 13px; }
    th { text-align: left; padding: 8px 12px; background: #161b22; color: #8b949e; border-bottom: 1px solid #30363d; }
    td { padding: 8px 12px; border-bottom: 1px solid #21262d; vertical-align: top; }
    code {
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 12px;
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 3px;
      padding: 1px 5px;
      color: #e6edf3;
    }
    pre { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 16px; overflow-x: auto; }
    pre code { background: none; border: none; padding: 0; font-size: 13px; color: #c9d1d9; }
  </style>
</head>
<body>
  <nav>
    <span class="brand">Bulk Operations</span>
    <a href="/docs">REST API</a>
  </nav>
  <main>
    <h1>Event Stream</h1>
    <p>Run progress and capture changes are pushed over Server-Sent Events and WebSocket.
       Both endpoints accept an optional <code>feeds</code> query parameter, a comma-separated
       list of feed names. Omit it to receive every feed.</p>

    <h2>Endpoints</h2>
    <table>
      <thead><tr><th>Path</th><th>Transport</th><th>Frame</th></tr></thead>
      <tbody>
        <tr><td><code>GET /api/v1/events</code></td><td>SSE</td><td><code>event: &lt;feed&gt;</code> + <code>data: &lt;json&gt;</code></td></tr>
        <tr><td><code>GET /api/v1/ws</code></td><td>WebSocket</td><td><code>{"feed": "...", "data": {...}}</code> text frames</td></tr>
      </tbody>
    </table>

    <h2>Feeds</h2>
    <table>
      <thead><tr><th>Feed</th><th>Payload</th></tr></thead>
      <tbody>
        <tr><td><code>progress</code></td><td>One event per finished batch: run id, batch index and total, running summary, the batch results.</td></tr>
        <tr><td><code>run</code></td><td>The run record when a run starts and when it finishes.</td></tr>
        <tr><td><code>store</code></td><td>Every committed change to captured state. Credential values are redacted.</td></tr>
        <tr><td><code>capture</code></td><td>What a browser tab just captured: credentials, targets or an action template.</td></tr>
      </tbody>
    </table>
    <p>Slow clients drop events instead of stalling the server.</p>

    <h2>Examples</h2>
    <pre><code>curl -N 'http://127.0.0.1:8190/api/v1/events?feeds=progress,run'

bulkops watch --feeds progress,run</code></pre>
  </main>
</body>
</html>`
