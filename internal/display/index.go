package display

import "net/http"

// HandleIndex serves the viewer page
func HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>UDP Video Receiver</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; padding: 16px; }
        .toolbar { display: flex; gap: 8px; align-items: center; margin-bottom: 12px; }
        button { background: #333; color: #eee; border: 1px solid #555; padding: 6px 12px; cursor: pointer; }
        button.active { background: #2a6; }
        #view video, #view img { max-width: 100%; background: #000; }
        pre { background: #1b1b1b; padding: 8px; font-size: 12px; }
    </style>
</head>
<body>
    <div class="toolbar">
        <button type="button" id="btn-webrtc" class="active">WebRTC</button>
        <button type="button" id="btn-mjpeg">MJPEG</button>
        <button type="button" id="btn-record">Start recording</button>
        <span id="state"></span>
    </div>
    <div id="view">
        <video id="video" autoplay playsinline muted></video>
        <img id="mjpeg" style="display:none" alt="MJPEG stream">
    </div>
    <pre id="status"></pre>
<script>
let pc = null;

async function startWebRTC() {
    pc = new RTCPeerConnection();
    pc.addTransceiver('video', { direction: 'recvonly' });
    pc.ontrack = (ev) => { document.getElementById('video').srcObject = ev.streams[0] || new MediaStream([ev.track]); };
    const offer = await pc.createOffer();
    await pc.setLocalDescription(offer);
    await new Promise((resolve) => {
        if (pc.iceGatheringState === 'complete') return resolve();
        pc.onicegatheringstatechange = () => { if (pc.iceGatheringState === 'complete') resolve(); };
    });
    const resp = await fetch('/offer', {
        method: 'POST',
        headers: { 'Content-Type': 'application/json' },
        body: JSON.stringify(pc.localDescription),
    });
    if (!resp.ok) throw new Error(await resp.text());
    await pc.setRemoteDescription(await resp.json());
}

function stopWebRTC() {
    if (pc) { pc.close(); pc = null; }
}

function show(mode) {
    const webrtc = mode === 'webrtc';
    document.getElementById('btn-webrtc').classList.toggle('active', webrtc);
    document.getElementById('btn-mjpeg').classList.toggle('active', !webrtc);
    document.getElementById('video').style.display = webrtc ? '' : 'none';
    const img = document.getElementById('mjpeg');
    img.style.display = webrtc ? 'none' : '';
    if (webrtc) {
        img.src = '';
        startWebRTC().catch((err) => { document.getElementById('state').textContent = 'WebRTC: ' + err; });
    } else {
        stopWebRTC();
        img.src = '/stream';
    }
}

async function toggleRecording() {
    const st = await (await fetch('/api/recording/status')).json();
    await fetch(st.recording ? '/api/recording/stop' : '/api/recording/start', { method: 'POST' });
}

async function poll() {
    try {
        const st = await (await fetch('/api/status')).json();
        document.getElementById('status').textContent = JSON.stringify(st, null, 2);
        const rec = st.recording && st.recording.recording;
        document.getElementById('btn-record').textContent = rec ? 'Stop recording' : 'Start recording';
    } catch (err) {
        document.getElementById('status').textContent = String(err);
    }
}

document.getElementById('btn-webrtc').onclick = () => show('webrtc');
document.getElementById('btn-mjpeg').onclick = () => show('mjpeg');
document.getElementById('btn-record').onclick = () => toggleRecording().then(poll);
show('webrtc');
setInterval(poll, 1000);
poll();
</script>
</body>
</html>
`
