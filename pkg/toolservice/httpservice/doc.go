// Package httpservice reaches tool services that speak plain JSON over HTTP:
// GET /catalog returns a toolservice.Catalog and POST /invoke takes a
// toolservice.Request and returns a toolservice.Response.
package httpservice
