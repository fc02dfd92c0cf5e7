// Package installer renders self-contained agent installer scripts.
package installer

// Placeholder markers substituted at render time. A leftover marker in
// rendered output means a template/data mismatch and fails the fetch.
const (
	PlaceholderToken     = "{{AGENT_TOKEN}}"
	PlaceholderSecret    = "{{HMAC_SECRET}}"
	PlaceholderServerURL = "{{SERVER_URL}}"
	PlaceholderAgentName = "{{AGENT_NAME}}"
	PlaceholderInterval  = "{{POLL_INTERVAL}}"
	PlaceholderGenerated = "{{GENERATED_AT}}"
)

// windowsTemplate is the PowerShell installer. It carries the full signed
// request loop so the installed agent needs nothing beyond built-in
// cryptographic primitives.
const windowsTemplate = `# Agent Gateway - Windows agent
# Generated: {{GENERATED_AT}}
#Requires -Version 5.1

$ErrorActionPreference = "Stop"

$AgentToken = "{{AGENT_TOKEN}}"
$HmacSecret = "{{HMAC_SECRET}}"
$ServerUrl = "{{SERVER_URL}}"
$AgentName = "{{AGENT_NAME}}"
$PollInterval = {{POLL_INTERVAL}}

if ([string]::IsNullOrWhiteSpace($AgentToken) -or $AgentToken.Length -lt 20) {
    Write-Host "Invalid installer: credentials not configured. Download a fresh installer." -ForegroundColor Red
    exit 1
}
if ([string]::IsNullOrWhiteSpace($HmacSecret) -or $HmacSecret.Length -ne 64) {
    Write-Host "Invalid installer: HMAC secret missing. Download a fresh installer." -ForegroundColor Red
    exit 1
}
$ServerUrl = $ServerUrl.TrimEnd('/')

# The hex-encoded secret string is the HMAC key as-is, matching the server
$SecretBytes = [System.Text.Encoding]::UTF8.GetBytes($HmacSecret)

function Get-Signature {
    param([string]$Method, [string]$Uri, [string]$Timestamp, [string]$Nonce, [string]$Body)
    $message = "$Method|$Uri|$Timestamp|$Nonce"
    if (-not [string]::IsNullOrEmpty($Body)) {
        $message = "$message|$Body"
    }
    $hmac = New-Object System.Security.Cryptography.HMACSHA256
    $hmac.Key = $SecretBytes
    $hash = $hmac.ComputeHash([System.Text.Encoding]::UTF8.GetBytes($message))
    return [Convert]::ToBase64String($hash)
}

function Invoke-SignedRequest {
    param([string]$Method, [string]$Uri, [string]$Body)
    $timestamp = [string][DateTimeOffset]::UtcNow.ToUnixTimeMilliseconds()
    $nonce = [guid]::NewGuid().ToString()
    $signature = Get-Signature -Method $Method -Uri $Uri -Timestamp $timestamp -Nonce $nonce -Body $Body
    $headers = @{
        "X-Agent-Token"    = $AgentToken
        "X-Hmac-Signature" = $signature
        "X-Timestamp"      = $timestamp
        "X-Nonce"          = $nonce
    }
    $params = @{
        Method      = $Method
        Uri         = "$ServerUrl$Uri"
        Headers     = $headers
        TimeoutSec  = 30
        ContentType = "application/json"
    }
    if (-not [string]::IsNullOrEmpty($Body)) {
        $params.Body = $Body
    }
    return Invoke-RestMethod @params
}

function Send-Heartbeat {
    $os = Get-CimInstance Win32_OperatingSystem
    $body = '{"os_type":"windows","os_version":"' + $os.Version + '","hostname":"' + $env:COMPUTERNAME + '","agent_version":"1.0.0"}'
    Invoke-SignedRequest -Method "POST" -Uri "/api/v1/agent/heartbeat" -Body $body | Out-Null
}

function Invoke-Job {
    param($Job)
    # Job payloads are interpreted here, never on the server
    return "job type '$($Job.type)' is not supported by this agent build"
}

Write-Host "Agent '$AgentName' starting against $ServerUrl"

while ($true) {
    try {
        Send-Heartbeat
        $jobs = Invoke-SignedRequest -Method "GET" -Uri "/api/v1/agent/jobs"
        foreach ($job in $jobs) {
            $status = "done"
            $output = ""
            $jobError = ""
            try {
                $output = Invoke-Job -Job $job
            } catch {
                $status = "failed"
                $jobError = $_.Exception.Message
            }
            $report = @{ job_id = $job.id; status = $status; output = $output; error = $jobError } | ConvertTo-Json -Compress
            Invoke-SignedRequest -Method "POST" -Uri "/api/v1/agent/reports" -Body $report | Out-Null
            $ack = @{ job_id = $job.id; status = $status } | ConvertTo-Json -Compress
            Invoke-SignedRequest -Method "POST" -Uri "/api/v1/agent/jobs/ack" -Body $ack | Out-Null
        }
    } catch {
        Write-Host "cycle failed: $($_.Exception.Message)" -ForegroundColor Yellow
    }
    Start-Sleep -Seconds $PollInterval
}
`

// linuxTemplate is the POSIX shell installer. Signing uses openssl, which is
// the only external tool the script depends on.
const linuxTemplate = `#!/bin/sh
# Agent Gateway - Linux agent
# Generated: {{GENERATED_AT}}

set -u

AGENT_TOKEN="{{AGENT_TOKEN}}"
HMAC_SECRET="{{HMAC_SECRET}}"
SERVER_URL="{{SERVER_URL}}"
AGENT_NAME="{{AGENT_NAME}}"
POLL_INTERVAL={{POLL_INTERVAL}}

if [ -z "$AGENT_TOKEN" ] || [ ${#AGENT_TOKEN} -lt 20 ]; then
    echo "Invalid installer: credentials not configured. Download a fresh installer." >&2
    exit 1
fi
if [ ${#HMAC_SECRET} -ne 64 ]; then
    echo "Invalid installer: HMAC secret missing. Download a fresh installer." >&2
    exit 1
fi
SERVER_URL="${SERVER_URL%/}"

sign() {
    # sign METHOD URI TIMESTAMP NONCE [BODY]
    _message="$1|$2|$3|$4"
    if [ -n "${5:-}" ]; then
        _message="$_message|$5"
    fi
    # the hex-encoded secret string is the HMAC key as-is, matching the server
    printf '%s' "$_message" | openssl dgst -sha256 -hmac "$HMAC_SECRET" -binary | openssl base64 -A
}

signed_request() {
    # signed_request METHOD URI [BODY]
    _method="$1"
    _uri="$2"
    _body="${3:-}"
    _ts=$(($(date +%s) * 1000))
    _nonce=$(cat /proc/sys/kernel/random/uuid 2>/dev/null || openssl rand -hex 16)
    _sig=$(sign "$_method" "$_uri" "$_ts" "$_nonce" "$_body")
    if [ -n "$_body" ]; then
        curl -sf --max-time 30 -X "$_method" "$SERVER_URL$_uri" \
            -H "X-Agent-Token: $AGENT_TOKEN" \
            -H "X-Hmac-Signature: $_sig" \
            -H "X-Timestamp: $_ts" \
            -H "X-Nonce: $_nonce" \
            -H "Content-Type: application/json" \
            -d "$_body"
    else
        curl -sf --max-time 30 -X "$_method" "$SERVER_URL$_uri" \
            -H "X-Agent-Token: $AGENT_TOKEN" \
            -H "X-Hmac-Signature: $_sig" \
            -H "X-Timestamp: $_ts" \
            -H "X-Nonce: $_nonce"
    fi
}

heartbeat() {
    _hostname=$(hostname)
    _osver=$(uname -r)
    _body="{\"os_type\":\"linux\",\"os_version\":\"$_osver\",\"hostname\":\"$_hostname\",\"agent_version\":\"1.0.0\"}"
    signed_request POST /api/v1/agent/heartbeat "$_body" >/dev/null
}

run_job() {
    # Job payloads are interpreted here, never on the server
    echo "job type '$1' is not supported by this agent build"
}

echo "Agent '$AGENT_NAME' starting against $SERVER_URL"

while :; do
    heartbeat || echo "heartbeat failed" >&2

    _jobs=$(signed_request GET /api/v1/agent/jobs) || _jobs="[]"
    echo "$_jobs" | grep -q '"id"' && {
        # one job per line: id<TAB>type
        echo "$_jobs" | sed 's/},{/}\n{/g' | while IFS= read -r _job; do
            _id=$(printf '%s' "$_job" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
            _type=$(printf '%s' "$_job" | sed -n 's/.*"type":"\([^"]*\)".*/\1/p')
            [ -n "$_id" ] || continue
            _output=$(run_job "$_type")
            _report="{\"job_id\":\"$_id\",\"status\":\"done\",\"output\":\"$_output\",\"error\":\"\"}"
            signed_request POST /api/v1/agent/reports "$_report" >/dev/null || echo "report failed" >&2
            _ack="{\"job_id\":\"$_id\",\"status\":\"done\"}"
            signed_request POST /api/v1/agent/jobs/ack "$_ack" >/dev/null || echo "ack failed" >&2
        done
    }

    sleep "$POLL_INTERVAL"
done
`
