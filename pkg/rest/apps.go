/*
Copyright 2024 The PREvant Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	restful "github.com/emicklei/go-restful/v3"
	"k8s.io/klog/v2"

	"github.com/aixigo/prevant/pkg/apps"
	"github.com/aixigo/prevant/pkg/apps/queue"
	"github.com/aixigo/prevant/pkg/infrastructure"
	"github.com/aixigo/prevant/pkg/models"
	"github.com/aixigo/prevant/pkg/rest/bcode"
)

const (
	// defaultWait is applied when a request carries no Prefer header.
	defaultWait = 60 * time.Second
	maxWait     = 5 * time.Minute

	defaultLogLimit = 20000
)

// AppsWebService exposes the application lifecycle API.
type AppsWebService struct {
	apps *apps.AppsService
}

// NewAppsWebService creates the webservice around the orchestrator.
func NewAppsWebService(service *apps.AppsService) *AppsWebService {
	return &AppsWebService{apps: service}
}

// GetWebService implements WebService.
func (w *AppsWebService) GetWebService() *restful.WebService {
	ws := new(restful.WebService)
	ws.Path("/api/apps").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON)

	ws.Route(ws.GET("/").To(w.listApps).
		Doc("list all applications with their services").
		Returns(200, "OK", map[string]appPayload{}))

	ws.Route(ws.POST("/{appName}").To(w.createOrUpdateApp).
		Doc("create or update an application").
		Param(ws.PathParameter("appName", "application name")).
		Param(ws.QueryParameter("replicateFrom", "application to replicate missing services from")).
		Param(ws.HeaderParameter("Prefer", "respond-async or wait=<seconds>")).
		Returns(200, "OK", appPayload{}).
		Returns(202, "Accepted", nil))

	ws.Route(ws.DELETE("/{appName}").To(w.deleteApp).
		Doc("tear an application down").
		Param(ws.PathParameter("appName", "application name")).
		Param(ws.HeaderParameter("Prefer", "respond-async or wait=<seconds>")).
		Returns(200, "OK", appPayload{}).
		Returns(202, "Accepted", nil))

	ws.Route(ws.GET("/{appName}/status-changes/{statusId}").To(w.statusChange).
		Doc("poll the result of an enqueued lifecycle task").
		Param(ws.PathParameter("appName", "application name")).
		Param(ws.PathParameter("statusId", "status change id")).
		Returns(200, "OK", appPayload{}).
		Returns(202, "Accepted", nil))

	ws.Route(ws.GET("/{appName}/logs/{serviceName}").To(w.logs).
		Doc("fetch service logs").
		Param(ws.PathParameter("appName", "application name")).
		Param(ws.PathParameter("serviceName", "service name")).
		Param(ws.QueryParameter("since", "exclusive RFC3339 lower bound")).
		Param(ws.QueryParameter("limit", "maximum number of lines")).
		Produces("text/plain", "text/event-stream").
		Returns(200, "OK", ""))

	ws.Route(ws.PUT("/{appName}/states/{serviceName}").To(w.changeState).
		Doc("pause or resume a service").
		Param(ws.PathParameter("appName", "application name")).
		Param(ws.PathParameter("serviceName", "service name")).
		Reads(statePayload{}).
		Returns(200, "OK", statePayload{}))

	return ws
}

type versionPayload struct {
	SoftwareVersion string `json:"softwareVersion,omitempty"`
	GitCommit       string `json:"gitCommit,omitempty"`
	DateModified    string `json:"dateModified,omitempty"`
}

type servicePayload struct {
	Name       string          `json:"name"`
	URL        string          `json:"url,omitempty"`
	Type       string          `json:"type"`
	State      string          `json:"state"`
	StartedAt  string          `json:"startedAt,omitempty"`
	Version    *versionPayload `json:"version,omitempty"`
	OpenAPIURL string          `json:"openApiUrl,omitempty"`
}

type appPayload struct {
	Services    []servicePayload `json:"services"`
	Owners      []models.Owner   `json:"owners,omitempty"`
	UserDefined any              `json:"userDefined,omitempty"`
}

type statePayload struct {
	Status string `json:"status"`
}

// createOrUpdateBody is the request body of POST /api/apps/{appName}: a
// bare service list, or an object carrying services plus optional extras.
type createOrUpdateBody struct {
	Services    []models.ServiceConfig
	Owners      []models.Owner
	UserDefined json.RawMessage
}

func (b *createOrUpdateBody) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &b.Services)
	}
	var object struct {
		Services    []models.ServiceConfig `json:"services"`
		Owners      []models.Owner         `json:"owners"`
		UserDefined json.RawMessage        `json:"userDefined"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	b.Services = object.Services
	b.Owners = object.Owners
	b.UserDefined = object.UserDefined
	return nil
}

func (w *AppsWebService) listApps(req *restful.Request, res *restful.Response) {
	allApps, err := w.apps.Apps(req.Request.Context())
	if err != nil {
		bcode.ReturnError(req, res, err)
		return
	}

	info := models.RequestInfoFromRequest(req.Request)
	payload := make(map[string]appPayload, len(allApps))
	for appName, app := range allApps {
		payload[appName.String()] = w.appPayload(appName, app, info)
	}
	if err := res.WriteEntity(payload); err != nil {
		klog.Errorf("write entity failure: %s", err)
	}
}

func (w *AppsWebService) appPayload(appName models.AppName, app *models.App, info models.RequestInfo) appPayload {
	payload := appPayload{
		Services: make([]servicePayload, 0, len(app.Services)),
		Owners:   app.Owners,
	}
	if app.UserDefined != nil {
		payload.UserDefined = app.UserDefined.Value()
	}
	for i := range app.Services {
		payload.Services = append(payload.Services, w.servicePayload(appName, &app.Services[i], info))
	}
	sort.Slice(payload.Services, func(i, j int) bool {
		return payload.Services[i].Name < payload.Services[j].Name
	})
	return payload
}

func (w *AppsWebService) servicePayload(appName models.AppName, service *models.Service, info models.RequestInfo) servicePayload {
	service.BaseURL = info.BaseURL
	payload := servicePayload{
		Name:  service.ServiceName,
		Type:  service.ContainerType.String(),
		State: string(service.Status),
	}
	if service.Status == models.ServiceStatusRunning {
		payload.URL = service.URL()
	}
	if !service.StartedAt.IsZero() {
		payload.StartedAt = service.StartedAt.UTC().Format(time.RFC3339)
	}

	meta, ok := w.apps.HostMeta().Lookup(appName, service.ID)
	if !ok || meta.IsEmpty() {
		return payload
	}
	meta = meta.WithBaseURL(info.BaseURL)

	version := versionPayload{
		SoftwareVersion: meta.Version(),
		GitCommit:       meta.Commit(),
	}
	if modified := meta.DateModified(); !modified.IsZero() {
		version.DateModified = modified.UTC().Format(time.RFC3339)
	}
	if version != (versionPayload{}) {
		payload.Version = &version
	}
	payload.OpenAPIURL = meta.OpenAPI()
	return payload
}

func (w *AppsWebService) createOrUpdateApp(req *restful.Request, res *restful.Response) {
	appName, err := models.NewAppName(req.PathParameter("appName"))
	if err != nil {
		bcode.ReturnError(req, res, err)
		return
	}

	raw, err := io.ReadAll(req.Request.Body)
	if err != nil {
		bcode.ReturnError(req, res, bcode.ErrInvalidServicePayload)
		return
	}
	body := &createOrUpdateBody{}
	if err := json.Unmarshal(raw, body); err != nil {
		bcode.ReturnError(req, res, bcode.ErrInvalidServicePayload.WithMessage(err.Error()))
		return
	}

	payload := &queue.CreateOrUpdatePayload{
		Services: body.Services,
		Owners:   body.Owners,
	}
	if replicateFrom := req.QueryParameter("replicateFrom"); replicateFrom != "" {
		source, err := models.NewAppName(replicateFrom)
		if err != nil {
			bcode.ReturnError(req, res, err)
			return
		}
		payload.ReplicateFrom = &source
	}
	if len(body.UserDefined) > 0 {
		userDefined, err := w.apps.ParseUserDefined(body.UserDefined)
		if err != nil {
			bcode.ReturnError(req, res, bcode.ErrInvalidUserDefinedPayload.WithMessage(err.Error()))
			return
		}
		payload.UserDefined = userDefined
	}

	id, err := w.apps.EnqueueCreateOrUpdate(req.Request.Context(), appName, payload)
	if err != nil {
		bcode.ReturnError(req, res, err)
		return
	}
	w.respondToLifecycleRequest(req, res, appName, id)
}

func (w *AppsWebService) deleteApp(req *restful.Request, res *restful.Response) {
	appName, err := models.NewAppName(req.PathParameter("appName"))
	if err != nil {
		bcode.ReturnError(req, res, err)
		return
	}

	id, err := w.apps.EnqueueDelete(req.Request.Context(), appName)
	if err != nil {
		bcode.ReturnError(req, res, err)
		return
	}
	w.respondToLifecycleRequest(req, res, appName, id)
}

// respondToLifecycleRequest honours the Prefer header: respond-async
// returns 202 immediately, wait=<seconds> blocks bounded for the result.
func (w *AppsWebService) respondToLifecycleRequest(req *restful.Request, res *restful.Response, appName models.AppName, id models.AppStatusChangeID) {
	location := fmt.Sprintf("/api/apps/%s/status-changes/%s", appName, id)

	wait, async := parsePrefer(req.HeaderParameter("Prefer"))
	if async {
		res.AddHeader("Location", location)
		res.WriteHeader(http.StatusAccepted)
		return
	}

	result, ok, err := w.apps.WaitForTask(req.Request.Context(), id, wait)
	if err != nil || !ok {
		res.AddHeader("Location", location)
		res.WriteHeader(http.StatusAccepted)
		return
	}
	w.writeTaskResult(req, res, result)
}

func (w *AppsWebService) statusChange(req *restful.Request, res *restful.Response) {
	appName, err := models.NewAppName(req.PathParameter("appName"))
	if err != nil {
		bcode.ReturnError(req, res, err)
		return
	}
	id, err := models.ParseAppStatusChangeID(req.PathParameter("statusId"))
	if err != nil {
		bcode.ReturnError(req, res, bcode.ErrInvalidStatusChangeID)
		return
	}

	result, state, err := w.apps.TaskResult(req.Request.Context(), id)
	if err != nil {
		bcode.ReturnError(req, res, err)
		return
	}
	switch state {
	case queue.ResultDone:
		w.writeTaskResult(req, res, result)
	case queue.ResultPending:
		res.AddHeader("Location", fmt.Sprintf("/api/apps/%s/status-changes/%s", appName, id))
		res.WriteHeader(http.StatusAccepted)
	default:
		// the id was never issued or its result has been pruned
		bcode.ReturnError(req, res, bcode.ErrStatusChangeNotFound)
	}
}

func (w *AppsWebService) writeTaskResult(req *restful.Request, res *restful.Response, result *queue.TaskResult) {
	if result.Error != nil {
		bcode.ReturnError(req, res, bcode.FromTaskError(result.Error.Code, result.Error.Message))
		return
	}

	info := models.RequestInfoFromRequest(req.Request)
	app := result.App
	if app == nil {
		app = &models.App{}
	}
	var appName models.AppName
	if len(app.Services) > 0 {
		appName = app.Services[0].AppName
	}
	if err := res.WriteEntity(w.appPayload(appName, app, info)); err != nil {
		klog.Errorf("write entity failure: %s", err)
	}
}

func (w *AppsWebService) changeState(req *restful.Request, res *restful.Response) {
	appName, err := models.NewAppName(req.PathParameter("appName"))
	if err != nil {
		bcode.ReturnError(req, res, err)
		return
	}
	serviceName := req.PathParameter("serviceName")

	payload := &statePayload{}
	if err := req.ReadEntity(payload); err != nil {
		bcode.ReturnError(req, res, bcode.ErrInvalidServiceStatus)
		return
	}
	status, err := models.ParseServiceStatus(payload.Status)
	if err != nil {
		bcode.ReturnError(req, res, bcode.ErrInvalidServiceStatus.WithMessage(err.Error()))
		return
	}

	service, err := w.apps.ChangeStatus(req.Request.Context(), appName, serviceName, status)
	if err != nil {
		bcode.ReturnError(req, res, err)
		return
	}
	if service == nil {
		w.returnNotFound(req, res, appName, "")
		return
	}
	if err := res.WriteEntity(statePayload{Status: string(service.Status)}); err != nil {
		klog.Errorf("write entity failure: %s", err)
	}
}

// returnNotFound distinguishes an unknown application from an unknown
// service within a deployed application.
func (w *AppsWebService) returnNotFound(req *restful.Request, res *restful.Response, appName models.AppName, message string) {
	app, err := w.apps.App(req.Request.Context(), appName)
	if err == nil && app == nil {
		bcode.ReturnError(req, res, bcode.ErrAppNotFound)
		return
	}
	if message == "" {
		bcode.ReturnError(req, res, bcode.ErrServiceNotFound)
		return
	}
	bcode.ReturnError(req, res, bcode.ErrServiceNotFound.WithMessage(message))
}

func (w *AppsWebService) logs(req *restful.Request, res *restful.Response) {
	appName, err := models.NewAppName(req.PathParameter("appName"))
	if err != nil {
		bcode.ReturnError(req, res, err)
		return
	}
	serviceName := req.PathParameter("serviceName")

	options := infrastructure.LogOptions{Limit: defaultLogLimit}
	if since := req.QueryParameter("since"); since != "" {
		timestamp, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			bcode.ReturnError(req, res, bcode.ErrInvalidServicePayload.WithMessage("invalid since timestamp"))
			return
		}
		options.Since = timestamp
	}
	if limit := req.QueryParameter("limit"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed < 1 {
			bcode.ReturnError(req, res, bcode.ErrInvalidServicePayload.WithMessage("invalid limit"))
			return
		}
		options.Limit = parsed
	}

	if strings.Contains(req.HeaderParameter("Accept"), "text/event-stream") {
		options.Follow = true
		w.streamLogs(req, res, appName, serviceName, options)
		return
	}

	lines, err := w.apps.Logs(req.Request.Context(), appName, serviceName, options)
	if err != nil {
		w.returnNotFound(req, res, appName, err.Error())
		return
	}

	var builder strings.Builder
	var lastTimestamp time.Time
	count := 0
	for line := range lines {
		builder.WriteString(line.Timestamp.UTC().Format(time.RFC3339Nano))
		builder.WriteString(" ")
		builder.WriteString(line.Message)
		builder.WriteString("\n")
		lastTimestamp = line.Timestamp
		count++
	}

	// a full page hints at more lines after it
	if count == options.Limit && !lastTimestamp.IsZero() {
		next := fmt.Sprintf("/api/apps/%s/logs/%s?since=%s&limit=%d",
			appName, serviceName, lastTimestamp.UTC().Format(time.RFC3339Nano), options.Limit)
		res.AddHeader("Link", fmt.Sprintf("<%s>; rel=\"next\"", next))
	}

	res.AddHeader("Content-Type", "text/plain")
	if _, err := res.Write([]byte(builder.String())); err != nil {
		klog.V(4).Infof("writing logs of %s/%s: %s", appName, serviceName, err)
	}
}

// streamLogs delivers log lines as server sent events until the client
// disconnects.
func (w *AppsWebService) streamLogs(req *restful.Request, res *restful.Response, appName models.AppName, serviceName string, options infrastructure.LogOptions) {
	lines, err := w.apps.Logs(req.Request.Context(), appName, serviceName, options)
	if err != nil {
		w.returnNotFound(req, res, appName, err.Error())
		return
	}

	res.AddHeader("Content-Type", "text/event-stream")
	res.AddHeader("Cache-Control", "no-cache")
	res.WriteHeader(http.StatusOK)

	flusher, canFlush := res.ResponseWriter.(http.Flusher)
	for line := range lines {
		payload := fmt.Sprintf("data: %s %s\n\n", line.Timestamp.UTC().Format(time.RFC3339Nano), line.Message)
		if _, err := res.Write([]byte(payload)); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// parsePrefer interprets the Prefer header of lifecycle requests.
func parsePrefer(header string) (wait time.Duration, async bool) {
	wait = defaultWait
	for _, token := range strings.Split(header, ",") {
		token = strings.TrimSpace(token)
		if token == "respond-async" {
			return 0, true
		}
		if value, ok := strings.CutPrefix(token, "wait="); ok {
			seconds, err := strconv.Atoi(value)
			if err != nil || seconds < 0 {
				continue
			}
			wait = time.Duration(seconds) * time.Second
			if wait > maxWait {
				wait = maxWait
			}
		}
	}
	return wait, false
}
