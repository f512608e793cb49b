package server

// indexHTML は依存のない簡易コンソール画面
const indexHTML = `<!DOCTYPE html>
<html lang="ja">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>AI Vision OS</title>
  <style>
    body { margin: 0; background: #000; color: #fff; font-family: ui-monospace, monospace; }
    header { padding: 12px 20px; border-bottom: 1px solid #333; display: flex; gap: 16px; align-items: center; }
    header h1 { font-size: 16px; color: #ea580c; margin: 0; }
    main { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; padding: 16px; }
    .nodes { display: grid; grid-template-columns: repeat(auto-fill, minmax(280px, 1fr)); gap: 12px; }
    .node { border: 1px solid #333; padding: 8px; }
    .node.selected { border-color: #ea580c; }
    .node img { width: 100%; aspect-ratio: 4 / 3; background: #111; display: block; }
    .node button { margin-top: 6px; margin-right: 4px; }
    #log { border: 1px solid #333; padding: 8px; height: 80vh; overflow-y: auto; white-space: pre-wrap; }
    .entry { margin-bottom: 10px; }
    .entry.user { color: #9ca3af; }
    .entry.alert { color: #ef4444; font-weight: bold; }
    input[type=text] { background: #111; color: #fff; border: 1px solid #333; padding: 4px; width: 260px; }
  </style>
</head>
<body>
  <header>
    <h1>AI VISION OS</h1>
    <label>探索対象 <input id="target" type="text" placeholder="例: 黒いジャケットの男性"></label>
    <button id="saveTarget">設定</button>
    <label>アップロード <input id="upload" type="file" accept="image/*,video/*"></label>
    <span id="busy"></span>
  </header>
  <main>
    <section class="nodes" id="nodes"></section>
    <section id="log"></section>
  </main>
  <script>
    const seen = new Set();
    const logEl = document.getElementById('log');

    function appendEntry(e) {
      if (seen.has(e.seq)) return;
      seen.add(e.seq);
      const div = document.createElement('div');
      div.className = 'entry ' + e.role + (e.is_match ? ' alert' : '');
      div.textContent = '[' + (e.cam_id || 'SYSTEM') + '] ' + e.text;
      if (e.image) {
        const img = document.createElement('img');
        img.src = '/api/media/' + e.image.id;
        img.width = 160;
        div.appendChild(document.createElement('br'));
        div.appendChild(img);
      }
      logEl.appendChild(div);
      logEl.scrollTop = logEl.scrollHeight;
    }

    async function api(method, path, body) {
      const res = await fetch(path, { method, body, headers: body && !(body instanceof FormData) ? { 'Content-Type': 'application/json' } : {} });
      return res.json();
    }

    async function renderNodes() {
      const { nodes } = await api('GET', '/api/nodes');
      const root = document.getElementById('nodes');
      root.innerHTML = '';
      for (const n of nodes) {
        const div = document.createElement('div');
        div.className = 'node' + (n.selected ? ' selected' : '');
        div.innerHTML = '<div>' + n.id + ' ' + n.name + (n.recording ? ' ● REC' : '') + '</div>';
        if (n.active) {
          const img = document.createElement('img');
          img.src = '/api/nodes/' + n.id + '/stream';
          div.appendChild(img);
        }
        const actions = [
          [n.active ? '停止' : '起動', () => api('POST', '/api/nodes/' + n.id + '/toggle')],
          ['選択', () => api('POST', '/api/nodes/' + n.id + '/select')],
          ['キャプチャ', () => api('POST', '/api/nodes/' + n.id + '/capture')],
          [n.recording ? '録画停止' : '録画', () => n.recording ? api('DELETE', '/api/recording') : api('POST', '/api/nodes/' + n.id + '/record')],
        ];
        for (const [label, fn] of actions) {
          const b = document.createElement('button');
          b.textContent = label;
          b.onclick = async () => { await fn(); renderNodes(); };
          div.appendChild(b);
        }
        root.appendChild(div);
      }
    }

    async function pollStatus() {
      const s = await api('GET', '/api/status');
      document.getElementById('busy').textContent = s.console.busy ? '解析中...' : '';
    }

    document.getElementById('saveTarget').onclick = () =>
      api('PUT', '/api/target', JSON.stringify({ target: document.getElementById('target').value }));

    document.getElementById('upload').onchange = (ev) => {
      const file = ev.target.files[0];
      if (!file) return;
      const fd = new FormData();
      fd.append('file', file);
      api('POST', '/api/uploads', fd);
    };

    (async () => {
      const { target } = await api('GET', '/api/target');
      document.getElementById('target').value = target;
      const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/log/ws');
      ws.onmessage = (m) => appendEntry(JSON.parse(m.data));
      const { entries } = await api('GET', '/api/log');
      entries.forEach(appendEntry);
      renderNodes();
      setInterval(pollStatus, 1000);
    })();
  </script>
</body>
</html>`
