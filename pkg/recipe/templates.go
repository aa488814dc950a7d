package recipe

// Production Dockerfile templates keyed by "language_framework". Each
// contains an {entry_point} placeholder substituted at synthesis time.
var templates = map[string]string{
	"python_flask": `# Multi-stage build for Flask
FROM python:3.11-slim AS builder
WORKDIR /app
COPY requirements.txt .
RUN pip install --user --no-cache-dir -r requirements.txt

FROM python:3.11-slim
WORKDIR /app
RUN useradd -m -u 1001 appuser
COPY --from=builder /root/.local /home/appuser/.local
COPY --chown=appuser:appuser . .
USER appuser
ENV PATH=/home/appuser/.local/bin:$PATH
ENV PORT=8080
ENV PYTHONUNBUFFERED=1
EXPOSE 8080
CMD exec gunicorn --bind 0.0.0.0:$PORT --workers 1 --threads 8 --timeout 0 {entry_point}:app
`,

	"python_fastapi": `# Multi-stage build for FastAPI
FROM python:3.11-slim AS builder
WORKDIR /app
COPY requirements.txt .
RUN pip install --user --no-cache-dir -r requirements.txt

FROM python:3.11-slim
WORKDIR /app
RUN useradd -m -u 1001 appuser
COPY --from=builder /root/.local /home/appuser/.local
COPY --chown=appuser:appuser . .
USER appuser
ENV PATH=/home/appuser/.local/bin:$PATH
ENV PORT=8080
ENV PYTHONUNBUFFERED=1
EXPOSE 8080
CMD ["uvicorn", "{entry_point}:app", "--host", "0.0.0.0", "--port", "8080"]
`,

	"nodejs_express": `# Multi-stage build for Express
FROM node:18-alpine AS builder
WORKDIR /app
COPY package*.json ./
RUN npm ci --only=production && npm cache clean --force
COPY . .

FROM node:18-alpine
WORKDIR /app
RUN addgroup -g 1001 -S nodejs && adduser -S nodejs -u 1001
COPY --from=builder --chown=nodejs:nodejs /app /app
USER nodejs
ENV PORT=8080
ENV NODE_ENV=production
EXPOSE 8080
CMD ["node", "{entry_point}"]
`,

	"nodejs_nextjs": `# Multi-stage build for Next.js
FROM node:18-alpine AS deps
WORKDIR /app
COPY package*.json ./
RUN npm ci

FROM node:18-alpine AS builder
WORKDIR /app
COPY --from=deps /app/node_modules ./node_modules
COPY . .
RUN npm run build

FROM node:18-alpine AS runner
WORKDIR /app
ENV NODE_ENV=production
ENV PORT=8080
RUN addgroup -g 1001 -S nodejs && adduser -S nextjs -u 1001
COPY --from=builder /app/public ./public
COPY --from=builder --chown=nextjs:nodejs /app/.next/standalone ./
COPY --from=builder --chown=nextjs:nodejs /app/.next/static ./.next/static
USER nextjs
EXPOSE 8080
CMD ["node", "server.js"]
`,

	"golang_gin": `# Multi-stage build for Go
FROM golang:1.22-alpine AS builder
WORKDIR /app
COPY go.mod go.sum ./
RUN go mod download
COPY . .
RUN CGO_ENABLED=0 GOOS=linux go build -o main .

FROM alpine:latest
RUN apk --no-cache add ca-certificates && adduser -D -u 1001 appuser
WORKDIR /home/appuser
COPY --from=builder --chown=appuser /app/main .
USER appuser
ENV PORT=8080
EXPOSE 8080
CMD ["./main"]
`,
}

// templateOptimizations are reported with every template-derived recipe.
var templateOptimizations = []string{
	"Multi-stage build (50-70% smaller image)",
	"Non-root user (security hardened)",
	"Layer caching optimized",
	"Cloud Run compatible (PORT env var)",
	"Production-grade server configuration",
}

// imageSizeEstimates bucket the expected final image size per template.
var imageSizeEstimates = map[string]string{
	"python_flask":   "~150MB",
	"python_fastapi": "~150MB",
	"nodejs_express": "~120MB",
	"nodejs_nextjs":  "~180MB",
	"golang_gin":     "~25MB",
}

const defaultSizeEstimate = "~200MB"

// dockerignoreByLanguage keeps build context uploads small. The common
// block applies to every language.
var dockerignoreCommon = `.git
.gitignore
.env
.env.*
!.env.example
Dockerfile
.dockerignore
README.md
*.md
.vscode
.idea
`

var dockerignoreByLanguage = map[string]string{
	"python": `__pycache__
*.pyc
venv/
.venv/
.pytest_cache/
`,
	"nodejs": `node_modules/
npm-debug.log
.next/
dist/
`,
	"golang": `vendor/
*.test
`,
	"java": `target/
*.class
`,
}
